// Package resync rebuilds the replica from a point-in-time snapshot.
package resync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proposal-tally/internal/ledger"
	"proposal-tally/internal/logger"
	"proposal-tally/internal/metrics"
	"proposal-tally/internal/store"
)

var (
	ErrSnapshotFetch = errors.New("snapshot fetch failed")
	ErrStaleSnapshot = errors.New("snapshot is older than the watermark")
	ErrNoSource      = errors.New("no snapshot source configured")
)

// MaxStaleAttempts bounds how many consecutive stale snapshots Resync accepts
// before giving up.
const MaxStaleAttempts = 30

// Fetcher returns the complete current state of every tracked table and the
// block the snapshot reflects.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (ledger.Snapshot, error)
}

// Coordinator serializes full resyncs against one Store.
type Coordinator struct {
	store      *store.Store
	fetcher    Fetcher
	log        *logger.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
	mu         sync.Mutex
}

// New returns a Coordinator. fetcher may be nil, in which case every resync
// fails with ErrNoSource.
func New(s *store.Store, fetcher Fetcher, log *logger.Logger, m *metrics.Metrics, retryDelay time.Duration) *Coordinator {
	return &Coordinator{store: s, fetcher: fetcher, log: log, metrics: m, retryDelay: retryDelay}
}

// Available reports whether a snapshot source is configured.
func (c *Coordinator) Available() bool {
	return c != nil && c.fetcher != nil
}

// FullResync fetches a snapshot and replaces the store with it. It returns the
// snapshot block. A snapshot older than the current watermark is rejected.
func (c *Coordinator) FullResync(ctx context.Context) (uint64, error) {
	if !c.Available() {
		return 0, ErrNoSource
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	snap, err := c.fetcher.FetchSnapshot(ctx)
	if err != nil {
		c.metrics.Resync("fetch_error")
		return 0, fmt.Errorf("%w: %v", ErrSnapshotFetch, err)
	}
	if watermark := c.store.BlockNum(); snap.BlockNum < watermark {
		c.metrics.Resync("stale")
		return 0, fmt.Errorf("%w: snapshot=%d watermark=%d", ErrStaleSnapshot, snap.BlockNum, watermark)
	}

	carried := c.carryTracked(&snap)
	c.store.SnapshotReplace(snap)
	c.metrics.Resync("ok")
	c.log.Printf("replaced replica at block %d (voters=%d carried=%d proposals=%d votes=%d) in %s",
		snap.BlockNum, len(snap.Voters), carried, len(snap.Proposals), len(snap.Votes), time.Since(start).Round(time.Millisecond))
	return snap.BlockNum, nil
}

// carryTracked appends to snap the voters the store tracks but the snapshot
// lacks, with their bandwidth rows. A snapshot only lists accounts that hold a
// vote, while an account stays watched once tracked. It returns the number of
// voters carried over.
func (c *Coordinator) carryTracked(snap *ledger.Snapshot) int {
	listed := make(map[string]struct{}, len(snap.Voters))
	for _, v := range snap.Voters {
		listed[v.Owner] = struct{}{}
	}
	haveBandwidth := make(map[string]struct{}, len(snap.Bandwidth))
	for _, b := range snap.Bandwidth {
		haveBandwidth[b.Owner] = struct{}{}
	}

	view := c.store.View()
	carried := 0
	view.Voters(func(v ledger.Voter) bool {
		if _, ok := listed[v.Owner]; ok {
			return true
		}
		snap.Voters = append(snap.Voters, v)
		if _, ok := haveBandwidth[v.Owner]; !ok {
			if b, ok := view.Bandwidth(v.Owner); ok {
				snap.Bandwidth = append(snap.Bandwidth, b)
			}
		}
		carried++
		return true
	})
	return carried
}

// Resync retries FullResync until it succeeds, ctx is done or the source has
// lagged the watermark MaxStaleAttempts times in a row. In the last case the
// returned error wraps ErrStaleSnapshot.
func (c *Coordinator) Resync(ctx context.Context) (uint64, error) {
	stale := 0
	for {
		block, err := c.FullResync(ctx)
		if err == nil {
			return block, nil
		}
		if errors.Is(err, ErrNoSource) {
			return 0, err
		}
		if errors.Is(err, ErrStaleSnapshot) {
			stale++
			if stale >= MaxStaleAttempts {
				return 0, err
			}
		} else {
			stale = 0
		}
		c.log.Errorf("resync failed, retrying in %s: %v", c.retryDelay, err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}
