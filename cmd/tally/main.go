// Package main provides the entry point for the proposal tally engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"proposal-tally/internal/chainapi"
	"proposal-tally/internal/collector"
	"proposal-tally/internal/config"
	"proposal-tally/internal/feed"
	"proposal-tally/internal/logger"
	"proposal-tally/internal/metrics"
	"proposal-tally/internal/publish"
	"proposal-tally/internal/resync"
	"proposal-tally/internal/store"
	"proposal-tally/internal/tally"
	"proposal-tally/internal/tui"

	dbpkg "proposal-tally/internal/db"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// consumerCapacity is the pubsub buffer of each tally consumer.
const consumerCapacity = 16

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg := config.Load()

	// With the TUI on, debug logs go to a file so they do not garble the screen
	var logWriter io.Writer = os.Stderr
	if cfg.Debug && !cfg.Headless {
		logFile, err := os.OpenFile("tally.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			logWriter = logFile
			fmt.Fprintf(os.Stderr, "Debug logs written to tally.log\n")
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file, logs will go to stderr (may interfere with TUI): %v\n", err)
		}
	}

	log := logger.NewWithWriter(cfg.Debug, logWriter)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	fmt.Printf("Proposal tally starting...\n")
	fmt.Printf("Config loaded: %s\n", cfg.DebugString())

	gormDB, err := dbpkg.Open(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	var recorder *dbpkg.Recorder
	if gormDB != nil {
		log.Printf("DB connected")

		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Printf("Migrations applied")
		recorder = dbpkg.NewRecorder(gormDB)
	} else {
		log.Printf("DATABASE_URL not provided – tally archive disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	pub, err := publish.New()
	if err != nil {
		log.Fatalf("failed to start publisher: %v", err)
	}
	defer func() { _ = pub.Stop() }()

	s := store.New()

	var (
		fetcher resync.Fetcher
		voters  collector.VoterFetcher
	)
	if cfg.ChainAPIURL != "" {
		client := chainapi.NewClient(cfg.ChainAPIURL, cfg.SystemContract, cfg.ForumContract)
		fetcher, voters = client, client
	} else {
		log.Printf("CHAIN_API_URL not provided – resync disabled, starting at block %d", cfg.StartBlock)
	}
	rs := resync.New(s, fetcher, log.Named("resync"), m, cfg.ResyncRetryDelay)

	var wg sync.WaitGroup
	var tuiUpdateCh chan interface{}
	if !cfg.Headless {
		tuiUpdateCh = make(chan interface{}, collector.TUIChannelBufferSize)
		go func() {
			if err := tui.Run(tuiUpdateCh); err != nil {
				log.Printf("TUI error: %v", err)
			}
			// TUI exited, cancel context to trigger shutdown
			cancel()
		}()
		consume(ctx, &wg, pub, "tui", log, func(res tally.Result) {
			select {
			case tuiUpdateCh <- res:
			default:
			}
		})
	} else {
		consume(ctx, &wg, pub, "log", log, func(res tally.Result) {
			log.Printf("tally at block %d: %d proposals, provisional=%v", res.BlockNum, len(res.Entries), res.Provisional)
		})
	}
	if recorder != nil {
		consume(ctx, &wg, pub, "archive", log, func(res tally.Result) {
			if err := recorder.Record(ctx, res); err != nil && ctx.Err() == nil {
				log.Errorf("archive tally at block %d: %v", res.BlockNum, err)
			}
		})
	}

	dialer := feed.WSDialer{
		URL:              cfg.FeedURL,
		Token:            cfg.FeedToken,
		Origin:           cfg.FeedOrigin,
		HandshakeTimeout: 15 * time.Second,
	}
	coll := collector.NewCollector(collector.OptionsFromConfig(cfg), collector.Deps{
		Dialer:    dialer,
		Store:     s,
		Resync:    rs,
		Voters:    voters,
		Publisher: pub,
		Log:       log.Named("collector"),
		Metrics:   m,
		Observer: func(state collector.State) {
			log.Printf("feed %s", state)
			if tuiUpdateCh != nil {
				select {
				case tuiUpdateCh <- tui.ConnectionState(state.String()):
				default:
				}
			}
		},
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coll.Run(ctx); err != nil {
			log.Errorf("collector stopped: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	// Close collector first (this will stop all goroutines and connections)
	if err := coll.Close(); err != nil {
		log.Printf("close error: %v", err)
	}
	wg.Wait()

	if tuiUpdateCh != nil {
		// Close TUI update channel to stop sending updates
		close(tuiUpdateCh)
		// Give TUI a moment to process the close and quit
		time.Sleep(collector.TUICloseDelay)
	}

	// Ensure logs flushed in some environments
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
}

// consume runs fn for every published tally until ctx is done.
func consume(ctx context.Context, wg *sync.WaitGroup, pub *publish.Publisher, clientID string, log *logger.Logger, fn func(tally.Result)) {
	wg.Add(1)
	log = log.Named(clientID)
	go func() {
		defer wg.Done()
		if err := pub.Consume(ctx, clientID, consumerCapacity, fn); err != nil {
			log.Errorf("consumer stopped: %v", err)
		}
	}()
}
