package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"FEED_URL", "FEED_TOKEN", "DFUSE_IO_API_KEY", "CHAIN_API_URL", "START_BLOCK",
		"RECONNECT_DELAY", "RECONNECT_MAX_DELAY", "LIVENESS_TIMEOUT", "DATABASE_URL", "HEADLESS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, "wss://mainnet.eos.dfuse.io/v1/stream", cfg.FeedURL)
	require.Equal(t, "eosio", cfg.SystemContract)
	require.Equal(t, "eosforumrcpp", cfg.ForumContract)
	require.Zero(t, cfg.ReconnectDelay)
	require.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	require.Equal(t, 60*time.Second, cfg.LivenessTimeout)
	require.Empty(t, cfg.DBDialect)
	require.ErrorIs(t, cfg.Validate(), ErrNoResumePoint)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEED_TOKEN", "")
	t.Setenv("DFUSE_IO_API_KEY", "legacy-key")
	t.Setenv("START_BLOCK", "100")
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("LIVENESS_TIMEOUT", "bogus")
	t.Setenv("HEADLESS", "yes")
	t.Setenv("DATABASE_URL", "postgres://user:pw@localhost:5432/tally")

	cfg := Load()
	require.Equal(t, "legacy-key", cfg.FeedToken)
	require.Equal(t, uint64(100), cfg.StartBlock)
	require.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	require.Equal(t, 60*time.Second, cfg.LivenessTimeout)
	require.True(t, cfg.Headless)
	require.Equal(t, DatabaseSchemePostgres, cfg.DBDialect)
	require.NoError(t, cfg.Validate())

	s := cfg.DebugString()
	require.NotContains(t, s, "pw@")
	require.NotContains(t, s, "legacy-key")
	require.Contains(t, s, "lega***")
}

func TestParseDatabaseURL(t *testing.T) {
	dialect, dsn, err := parseDatabaseURL("sqlite://tally.db")
	require.NoError(t, err)
	require.Equal(t, DatabaseSchemeSQLite, dialect)
	require.Equal(t, "tally.db", dsn)

	_, _, err = parseDatabaseURL("mysql://x")
	require.Error(t, err)
}

func TestMaskDSNKeyValue(t *testing.T) {
	require.Equal(t, "host=db password=*** user=u", maskDSN(DatabaseSchemePostgres, "host=db password=secret user=u"))
}
