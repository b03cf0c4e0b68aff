package collector

import (
	"context"
	"errors"
	"fmt"

	"proposal-tally/internal/feed"
	"proposal-tally/internal/ledger"
	"proposal-tally/internal/resync"
)

// handleFrame decodes and applies one inbound frame. Malformed frames, feed
// errors and frames for unknown subscriptions are logged and dropped; only
// failures that make the connection unusable are returned.
func (c *Collector) handleFrame(ctx context.Context, frame []byte) error {
	msg, err := feed.Decode(frame)
	if err != nil {
		c.log.Errorf("%v", err)
		c.metrics.DeltaDiscarded("protocol")
		return nil
	}

	switch m := msg.(type) {
	case feed.Error:
		c.log.Errorf("%v: %v", feed.ErrProtocol, m)
		c.metrics.DeltaDiscarded("feed_error")
		return nil
	case feed.Listening:
		c.log.Printf("listening %s (next block %d)", m.ReqID, m.NextBlock)
		return nil
	case feed.Other:
		return nil
	}

	sub, ok := c.subs.lookup(msg.RequestID())
	if !ok {
		c.log.Errorf("%v: %q", ErrUnknownSubscription, msg.RequestID())
		c.metrics.DeltaDiscarded("unknown_subscription")
		return nil
	}

	delta, err := toDelta(sub, msg)
	if err != nil {
		c.log.Errorf("%v: %s: %v", feed.ErrProtocol, sub.target, err)
		c.metrics.DeltaDiscarded("protocol")
		return nil
	}
	if delta == nil {
		return nil
	}
	return c.apply(ctx, delta)
}

// toDelta converts a data message into a ledger delta according to what its
// subscription was issued for. A nil delta means the message carries nothing
// the replica keeps.
func toDelta(sub subscription, msg feed.Message) (ledger.Delta, error) {
	switch m := msg.(type) {
	case feed.TableDelta:
		return tableDelta(sub, m)
	case feed.ActionTrace:
		if sub.kind != subUnvote {
			return nil, fmt.Errorf("action trace on %s subscription", sub.kind)
		}
		u, err := ledger.DecodeUnvote(m.Data)
		if err != nil {
			return nil, err
		}
		return ledger.UnvoteDelta{BlockNum: m.BlockNum, Unvote: u}, nil
	default:
		return nil, fmt.Errorf("unexpected %T", msg)
	}
}

func tableDelta(sub subscription, m feed.TableDelta) (ledger.Delta, error) {
	if sub.kind == subUnvote {
		return nil, fmt.Errorf("table delta on %s subscription", sub.kind)
	}
	if m.Step == feed.StepUndo {
		return ledger.UndoDelta{BlockNum: m.BlockNum, Kind: sub.kind.ledgerKind(), Key: m.Key}, nil
	}

	op := ledger.OpUpsert
	if m.Op == feed.OpRemove {
		op = ledger.OpRemove
	}
	row := m.Row()

	switch sub.kind {
	case subVoters:
		if op == ledger.OpRemove {
			return nil, nil
		}
		v, err := ledger.DecodeVoter(row)
		if err != nil {
			return nil, err
		}
		return ledger.VoterDelta{BlockNum: m.BlockNum, Voter: v}, nil
	case subBandwidth:
		b, self, err := ledger.DecodeBandwidth(row)
		if err != nil {
			return nil, err
		}
		if !self || b.Owner != sub.account {
			return nil, nil
		}
		if op == ledger.OpRemove {
			b.NetWeight.Amount, b.CPUWeight.Amount = 0, 0
		}
		return ledger.BandwidthDelta{BlockNum: m.BlockNum, Bandwidth: b}, nil
	case subProposals:
		p, err := ledger.DecodeProposal(row)
		if err != nil {
			return nil, err
		}
		return ledger.ProposalDelta{BlockNum: m.BlockNum, Op: op, Proposal: p}, nil
	default:
		v, err := ledger.DecodeVote(row)
		if err != nil {
			return nil, err
		}
		return ledger.VoteDelta{BlockNum: m.BlockNum, Op: op, Vote: v}, nil
	}
}

// apply mutates the replica with one delta, advances the watermark and
// republishes the tally. Duplicates are dropped without side effects.
func (c *Collector) apply(ctx context.Context, d ledger.Delta) error {
	var kind ledger.Kind
	switch d := d.(type) {
	case ledger.VoterDelta:
		kind = ledger.KindVoter
		owner := d.Voter.Owner
		tracked := c.store.Contains(ledger.KindVoter, owner)
		if !tracked && !c.delegatesToTrackedProxy(d.Voter) {
			c.metrics.DeltaDiscarded("untracked")
			return nil
		}
		if !c.accept(kind, owner, d.BlockNum) {
			return nil
		}
		if !tracked {
			if err := c.subscribeBandwidth(owner, c.store.BlockNum()); err != nil {
				return err
			}
		}
		c.store.UpsertVoter(d.Voter, d.BlockNum)
		if !tracked {
			c.metrics.SetTrackedVoters(c.store.Len(ledger.KindVoter))
			c.log.Printf("tracking delegator %s of proxy %s", owner, d.Voter.Proxy)
		}

	case ledger.BandwidthDelta:
		kind = ledger.KindBandwidth
		owner := d.Bandwidth.Owner
		if !c.store.Contains(ledger.KindVoter, owner) {
			c.metrics.DeltaDiscarded("untracked")
			return nil
		}
		if !c.accept(kind, owner, d.BlockNum) {
			return nil
		}
		c.store.UpsertBandwidth(d.Bandwidth, d.BlockNum)

	case ledger.ProposalDelta:
		kind = ledger.KindProposal
		if !c.accept(kind, d.Proposal.Name, d.BlockNum) {
			return nil
		}
		if d.Op == ledger.OpRemove {
			c.store.RemoveProposal(d.Proposal.Name, d.BlockNum)
		} else {
			c.store.UpsertProposal(d.Proposal, d.BlockNum)
		}

	case ledger.VoteDelta:
		kind = ledger.KindVote
		key := d.Vote.Key()
		if !c.accept(kind, key.String(), d.BlockNum) {
			return nil
		}
		if d.Op == ledger.OpRemove {
			c.store.RemoveVote(key, d.BlockNum)
			break
		}
		if !c.store.Contains(ledger.KindVoter, d.Vote.Voter) {
			if err := c.track(ctx, d.Vote.Voter); err != nil {
				return err
			}
		}
		c.store.UpsertVote(d.Vote, d.BlockNum)

	case ledger.UnvoteDelta:
		if d.BlockNum <= c.store.SnapshotBlock() {
			c.metrics.DeltaDiscarded("duplicate")
			return nil
		}
		c.log.Printf("unvote %s/%s at block %d", d.Unvote.Voter, d.Unvote.Proposal, d.BlockNum)
		return c.fullResync(ctx, d, "unvote")

	case ledger.UndoDelta:
		if d.BlockNum <= c.store.SnapshotBlock() {
			c.metrics.DeltaDiscarded("duplicate")
			return nil
		}
		c.log.Printf("undo of %s %q at block %d", d.Kind, d.Key, d.BlockNum)
		return c.fullResync(ctx, d, "fork undo")

	default:
		return fmt.Errorf("unhandled delta %T", d)
	}

	c.store.AdvanceBlock(d.Block())
	c.metrics.DeltaApplied(kind.String())
	c.publish(ctx)
	return nil
}

// delegatesToTrackedProxy reports whether v names a tracked, registered proxy.
// Its stake then counts toward that proxy's votes.
func (c *Collector) delegatesToTrackedProxy(v ledger.Voter) bool {
	if v.Proxy == "" || v.Proxy == v.Owner {
		return false
	}
	proxy, ok := c.store.Voter(v.Proxy)
	return ok && proxy.IsProxy
}

func (c *Collector) accept(kind ledger.Kind, key string, block uint64) bool {
	if c.store.Accepts(kind, key, block) {
		return true
	}
	c.metrics.DeltaDiscarded("duplicate")
	return false
}

// track starts following an account seen for the first time in a vote: its
// delband subscription is queued, then its current rows are fetched. A failed
// fetch still tracks the account, with an unknown stake.
func (c *Collector) track(ctx context.Context, account string) error {
	if err := c.subscribeBandwidth(account, c.store.BlockNum()); err != nil {
		return err
	}

	voter := ledger.Voter{Owner: account}
	var bandwidth *ledger.Bandwidth
	if c.voters != nil {
		v, b, err := c.voters.FetchVoter(ctx, account)
		if err != nil {
			c.log.Errorf("fetch voter %s: %v", account, err)
		} else {
			voter, bandwidth = v, b
		}
	}

	c.store.UpsertVoter(voter, 0)
	if bandwidth != nil && !c.store.Contains(ledger.KindBandwidth, account) {
		c.store.UpsertBandwidth(*bandwidth, 0)
	}
	c.metrics.SetTrackedVoters(c.store.Len(ledger.KindVoter))
	c.log.Printf("tracking voter %s (known=%v)", account, voter.Known)
	return nil
}

// fullResync replaces the replica from a snapshot. Without a snapshot source, or
// when the source keeps lagging the watermark, an unvote is applied as a vote
// removal and an undo is only reported.
func (c *Collector) fullResync(ctx context.Context, d ledger.Delta, reason string) error {
	_, err := c.resync.Resync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, resync.ErrNoSource), errors.Is(err, resync.ErrStaleSnapshot):
		if !errors.Is(err, resync.ErrNoSource) {
			c.log.Errorf("resync after %s at block %d: %v", reason, d.Block(), err)
		}
		if u, ok := d.(ledger.UnvoteDelta); ok {
			c.removeUnvoted(ctx, u)
			return nil
		}
		c.log.Errorf("cannot resync after %s at block %d: %v", reason, d.Block(), err)
		return nil
	default:
		return err
	}

	if err := c.ensureBandwidthSubscriptions(); err != nil {
		return err
	}
	c.metrics.SetTrackedVoters(c.store.Len(ledger.KindVoter))
	c.publish(ctx)
	return nil
}

// removeUnvoted applies an unvote as a vote removal. The unvote arrives on the
// action stream, so a vote delta for the same key may already be newer.
func (c *Collector) removeUnvoted(ctx context.Context, u ledger.UnvoteDelta) {
	key := ledger.VoteKey{Voter: u.Unvote.Voter, Proposal: u.Unvote.Proposal}
	if !c.accept(ledger.KindVote, key.String(), u.BlockNum) {
		return
	}
	c.store.RemoveVote(key, u.BlockNum)
	c.store.AdvanceBlock(u.BlockNum)
	c.metrics.DeltaApplied("unvote")
	c.publish(ctx)
}

// publish recomputes the tally and hands it to the publisher.
func (c *Collector) publish(ctx context.Context) {
	res := c.engine.Compute()
	provisional := 0
	for _, e := range res.Entries {
		if e.Provisional {
			provisional++
		}
	}
	c.metrics.SetBlockNum(res.BlockNum)
	c.metrics.SetProvisional(provisional)
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, res); err != nil && ctx.Err() == nil {
		c.log.Errorf("publish tally at block %d: %v", res.BlockNum, err)
	}
}
