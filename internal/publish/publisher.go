// Package publish makes the current tally available to downstream consumers,
// either by pulling the latest result or by consuming pushed updates.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cometbft/cometbft/libs/pubsub"
	"github.com/cometbft/cometbft/libs/pubsub/query"

	"proposal-tally/internal/tally"
)

const (
	// EventKey is the event attribute every published tally carries.
	EventKey   = "tally.event"
	eventTally = "Tally"
	// BufferCapacity is the pubsub command buffer.
	BufferCapacity = 100
)

var queryTally = query.MustCompile(EventKey + " = '" + eventTally + "'")

// Publisher keeps the latest tally and pushes every new one to subscribers.
type Publisher struct {
	srv    *pubsub.Server
	mu     sync.RWMutex
	latest tally.Result
	has    bool
}

// New returns a started Publisher. Call Stop when done.
func New() (*Publisher, error) {
	srv := pubsub.NewServer(pubsub.BufferCapacity(BufferCapacity))
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start pubsub: %w", err)
	}
	return &Publisher{srv: srv}, nil
}

func (p *Publisher) Stop() error {
	return p.srv.Stop()
}

// Publish records res as the latest tally and pushes it to subscribers.
func (p *Publisher) Publish(ctx context.Context, res tally.Result) error {
	p.mu.Lock()
	p.latest = res
	p.has = true
	p.mu.Unlock()
	return p.srv.PublishWithEvents(ctx, res, map[string][]string{EventKey: {eventTally}})
}

// Latest returns the most recently published tally.
func (p *Publisher) Latest() (tally.Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// Consume calls fn with every tally published after it subscribes, until ctx is
// done. A consumer that falls behind is dropped by the pubsub server; Consume
// then resubscribes and hands fn the latest tally so it catches up.
func (p *Publisher) Consume(ctx context.Context, clientID string, capacity int, fn func(tally.Result)) error {
	defer func() { _ = p.srv.UnsubscribeAll(context.Background(), clientID) }()
	for {
		sub, err := p.srv.Subscribe(ctx, clientID, queryTally, capacity)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe %s: %w", clientID, err)
		}
		if err := p.drain(ctx, sub, fn); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if res, ok := p.Latest(); ok {
			fn(res)
		}
	}
}

func (p *Publisher) drain(ctx context.Context, sub *pubsub.Subscription, fn func(tally.Result)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.Out():
			if res, ok := msg.Data().(tally.Result); ok {
				fn(res)
			}
		case <-sub.Canceled():
			if errors.Is(sub.Err(), pubsub.ErrOutOfCapacity) {
				return nil
			}
			return fmt.Errorf("subscription canceled: %w", sub.Err())
		}
	}
}
