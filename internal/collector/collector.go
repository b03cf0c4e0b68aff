// Package collector keeps the replica in sync with the change feed: it owns the
// connection lifecycle, issues subscriptions, applies deltas in arrival order and
// republishes the tally after every accepted mutation.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"proposal-tally/internal/config"
	"proposal-tally/internal/feed"
	"proposal-tally/internal/ledger"
	"proposal-tally/internal/logger"
	"proposal-tally/internal/metrics"
	"proposal-tally/internal/resync"
	"proposal-tally/internal/store"
	"proposal-tally/internal/tally"
)

const (
	// OutboxSize bounds queued subscription requests per connection.
	OutboxSize = 4096
	// InboxSize bounds frames read ahead of the apply loop.
	InboxSize = 1024
	// TUIChannelBufferSize is the buffer of the TUI update channel.
	TUIChannelBufferSize = 100
	// TUICloseDelay gives the TUI time to quit after its channel closes.
	TUICloseDelay = 100 * time.Millisecond

	minBackoff = 500 * time.Millisecond
)

var (
	ErrConnectionLost      = errors.New("feed connection lost")
	ErrUnknownSubscription = errors.New("message for unknown subscription")
	errOutboxFull          = errors.New("subscription outbox full")
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// VoterFetcher resolves the current rows of an account seen for the first time.
type VoterFetcher interface {
	FetchVoter(ctx context.Context, account string) (ledger.Voter, *ledger.Bandwidth, error)
}

// Publisher receives every recomputed tally.
type Publisher interface {
	Publish(ctx context.Context, res tally.Result) error
}

// StateObserver is told about connection state changes.
type StateObserver func(State)

type Options struct {
	SystemContract    string
	ForumContract     string
	StartBlock        uint64
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	LivenessTimeout   time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SystemContract:    cfg.SystemContract,
		ForumContract:     cfg.ForumContract,
		StartBlock:        cfg.StartBlock,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		LivenessTimeout:   cfg.LivenessTimeout,
	}
}

type Collector struct {
	opts     Options
	dialer   feed.Dialer
	store    *store.Store
	engine   *tally.Engine
	resync   *resync.Coordinator
	voters   VoterFetcher
	pub      Publisher
	log      *logger.Logger
	metrics  *metrics.Metrics
	observer StateObserver

	subs  *subscriptionTable
	state atomic.Int32

	// outbox is replaced per connection and only touched by the apply goroutine.
	outbox chan feed.Request

	connMu sync.Mutex
	conn   feed.Conn
}

// Deps groups the collaborators of a Collector. Voters, Publisher, Metrics and
// Observer are optional.
type Deps struct {
	Dialer    feed.Dialer
	Store     *store.Store
	Resync    *resync.Coordinator
	Voters    VoterFetcher
	Publisher Publisher
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Observer  StateObserver
}

func NewCollector(opts Options, deps Deps) *Collector {
	return &Collector{
		opts:     opts,
		dialer:   deps.Dialer,
		store:    deps.Store,
		engine:   tally.NewEngine(deps.Store),
		resync:   deps.Resync,
		voters:   deps.Voters,
		pub:      deps.Publisher,
		log:      deps.Log,
		metrics:  deps.Metrics,
		observer: deps.Observer,
		subs:     newSubscriptionTable(),
	}
}

// State returns the current connection state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.metrics.SetConnectionState(int(s))
	if c.observer != nil {
		c.observer(s)
	}
}

// Run keeps a feed connection open until ctx is cancelled. A dropped connection
// is reopened and re-subscribed from the watermark; the replica is kept.
// The only error returned is config.ErrNoResumePoint.
func (c *Collector) Run(ctx context.Context) error {
	failures := 0
	for {
		subscribed, err := c.runLoop(ctx)
		c.setState(StateDisconnected)
		if errors.Is(err, config.ErrNoResumePoint) {
			return err
		}
		if ctx.Err() != nil {
			return nil // Context cancelled, normal shutdown
		}
		if subscribed {
			failures = 0
		} else {
			failures++
		}
		delay := c.backoff(failures)
		c.log.Printf("feed: %v, reconnecting in %s", err, delay)
		c.metrics.Reconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// backoff is ReconnectDelay after a connection that reached SUBSCRIBED, then
// doubles per consecutive failed attempt up to ReconnectMaxDelay.
func (c *Collector) backoff(failures int) time.Duration {
	if failures == 0 {
		return c.opts.ReconnectDelay
	}
	d := c.opts.ReconnectDelay
	if d < minBackoff {
		d = minBackoff
	}
	for i := 1; i < failures; i++ {
		d *= 2
		if c.opts.ReconnectMaxDelay > 0 && d >= c.opts.ReconnectMaxDelay {
			break
		}
	}
	if c.opts.ReconnectMaxDelay > 0 && d > c.opts.ReconnectMaxDelay {
		d = c.opts.ReconnectMaxDelay
	}
	return d
}

// resumePoint returns the watermark, establishing one first when the replica is
// empty: from a full resync when a snapshot source exists, else from StartBlock.
func (c *Collector) resumePoint(ctx context.Context) (uint64, error) {
	if n := c.store.BlockNum(); n > 0 {
		return n, nil
	}
	if c.resync.Available() {
		n, err := c.resync.Resync(ctx)
		if err != nil {
			return 0, err
		}
		c.publish(ctx)
		return n, nil
	}
	if c.opts.StartBlock > 0 {
		return c.store.AdvanceBlock(c.opts.StartBlock), nil
	}
	return 0, config.ErrNoResumePoint
}

// runLoop runs one connection. subscribed reports whether it got as far as
// issuing the baseline subscriptions.
func (c *Collector) runLoop(ctx context.Context) (subscribed bool, err error) {
	// Create a cancellable context for this connection cycle
	// so reader and writer goroutines stop with it
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resume, err := c.resumePoint(loopCtx)
	if err != nil {
		return false, err
	}

	c.setState(StateConnecting)
	conn, err := c.dialer.Dial(loopCtx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.setConn(conn)
	defer c.closeConn()

	c.subs.reset()
	c.outbox = make(chan feed.Request, OutboxSize)
	writeErr := make(chan error, 1)
	go c.writeLoop(loopCtx, conn, c.outbox, writeErr)

	frames := make(chan []byte, InboxSize)
	readErr := make(chan error, 1)
	go c.readLoop(loopCtx, conn, frames, readErr)

	if err := c.subscribeBaseline(resume); err != nil {
		return false, err
	}
	c.setState(StateSubscribed)
	c.log.Printf("feed: subscribed from block %d (%d subscriptions)", resume, c.subs.len())

	return true, c.processLoop(loopCtx, frames, readErr, writeErr)
}

func (c *Collector) setConn(conn feed.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Collector) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// readLoop forwards frames until the connection fails.
func (c *Collector) readLoop(ctx context.Context, conn feed.Conn, frames chan<- []byte, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the only writer of conn.
func (c *Collector) writeLoop(ctx context.Context, conn feed.Conn, outbox <-chan feed.Request, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-outbox:
			if err := conn.WriteJSON(req); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// processLoop applies frames one at a time, in arrival order, and watches
// connection liveness.
func (c *Collector) processLoop(ctx context.Context, frames <-chan []byte, readErr, writeErr <-chan error) error {
	var tick <-chan time.Time
	if c.opts.LivenessTimeout > 0 {
		watchdog := time.NewTicker(c.opts.LivenessTimeout / 2)
		defer watchdog.Stop()
		tick = watchdog.C
	}
	lastFrame := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("%w: read: %v", ErrConnectionLost, err)
		case err := <-writeErr:
			return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
		case frame := <-frames:
			lastFrame = time.Now()
			if err := c.handleFrame(ctx, frame); err != nil {
				return err
			}
		case <-tick:
			if time.Since(lastFrame) > c.opts.LivenessTimeout {
				return fmt.Errorf("%w: no frames for %s", ErrConnectionLost, c.opts.LivenessTimeout)
			}
		}
	}
}

// Close drops the current connection; Run then reconnects unless its context
// is done.
func (c *Collector) Close() error {
	c.closeConn()
	return nil
}
