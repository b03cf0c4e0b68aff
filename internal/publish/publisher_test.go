package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposal-tally/internal/tally"
)

func TestLatest(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Stop()

	_, ok := p.Latest()
	require.False(t, ok)

	res := tally.Result{BlockNum: 5, Entries: []tally.Entry{{Proposal: "prop1", Total: 10}}}
	require.NoError(t, p.Publish(context.Background(), res))

	got, ok := p.Latest()
	require.True(t, ok)
	require.Equal(t, res, got)
}

func TestConsumeReceivesPublished(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan tally.Result, 10)
	done := make(chan error, 1)
	go func() {
		done <- p.Consume(ctx, "test", 10, func(res tally.Result) { got <- res })
	}()

	// wait until the consumer is subscribed
	require.Eventually(t, func() bool {
		return p.srv.NumClients() == 1
	}, time.Second, 5*time.Millisecond)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, p.Publish(ctx, tally.Result{BlockNum: i}))
	}
	for i := uint64(1); i <= 3; i++ {
		select {
		case res := <-got:
			require.Equal(t, i, res.BlockNum)
		case <-time.After(time.Second):
			t.Fatalf("tally %d not delivered", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}
