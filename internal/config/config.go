package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
	// DatabaseSchemeSQLite is the sqlite database scheme identifier
	DatabaseSchemeSQLite = "sqlite"
)

// ErrNoResumePoint is returned when there is neither a snapshot source nor a
// configured start block to resume the feed from.
var ErrNoResumePoint = errors.New("no resume point: set CHAIN_API_URL or START_BLOCK")

type Config struct {
	FeedURL           string
	FeedToken         string
	FeedOrigin        string
	ChainAPIURL       string // snapshot source; empty disables resync
	StartBlock        uint64 // resume point when there is no watermark
	SystemContract    string
	ForumContract     string
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	LivenessTimeout   time.Duration // 0 disables the watchdog
	ResyncRetryDelay  time.Duration
	DBDialect         string // postgres or sqlite
	DBDsn             string // DSN string passed to GORM driver
	MetricsAddr       string
	Debug             bool
	Headless          bool // no TUI
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

func getenvUint(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql, sqlite.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	case DatabaseSchemeSQLite:
		dsn := strings.TrimPrefix(databaseURL[len(u.Scheme):], "://")
		if dsn == "" {
			return "", "", fmt.Errorf("empty sqlite path")
		}
		return DatabaseSchemeSQLite, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	cfg := Config{
		FeedURL:           getenv("FEED_URL", "wss://mainnet.eos.dfuse.io/v1/stream"),
		FeedToken:         getenv("FEED_TOKEN", os.Getenv("DFUSE_IO_API_KEY")),
		FeedOrigin:        getenv("FEED_ORIGIN", "https://api.eosvotes.io"),
		ChainAPIURL:       os.Getenv("CHAIN_API_URL"),
		StartBlock:        getenvUint("START_BLOCK", 0),
		SystemContract:    getenv("SYSTEM_CONTRACT", "eosio"),
		ForumContract:     getenv("FORUM_CONTRACT", "eosforumrcpp"),
		ReconnectDelay:    getenvDuration("RECONNECT_DELAY", 0),
		ReconnectMaxDelay: getenvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		LivenessTimeout:   getenvDuration("LIVENESS_TIMEOUT", 60*time.Second),
		ResyncRetryDelay:  getenvDuration("RESYNC_RETRY_DELAY", 2*time.Second),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		Debug:             getenvBool("DEBUG", false),
		Headless:          getenvBool("HEADLESS", false),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling archive: %v\n", err)
		}
	}

	return cfg
}

// Validate checks the start-up preconditions.
func (c Config) Validate() error {
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.ChainAPIURL == "" && c.StartBlock == 0 {
		return ErrNoResumePoint
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("feed=%s chain_api=%s db=%s", c.FeedURL, c.ChainAPIURL, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"feed=%s token=%s origin=%s chain_api=%s start_block=%d contracts=%s/%s db=%s dsn=%s metrics=%s headless=%t",
		c.FeedURL,
		maskSecret(c.FeedToken),
		c.FeedOrigin,
		c.ChainAPIURL,
		c.StartBlock,
		c.SystemContract,
		c.ForumContract,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.MetricsAddr,
		c.Headless,
	)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return s[:4] + "***"
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
