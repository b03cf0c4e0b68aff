package collector

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"proposal-tally/internal/feed"
	"proposal-tally/internal/ledger"
)

type subKind uint8

const (
	subVoters subKind = iota
	subBandwidth
	subProposals
	subVotes
	subUnvote
)

func (k subKind) String() string {
	switch k {
	case subVoters:
		return "voters"
	case subBandwidth:
		return "delband"
	case subProposals:
		return "proposal"
	case subVotes:
		return "vote"
	default:
		return "unvote"
	}
}

// ledgerKind is the replica table a subscription feeds.
func (k subKind) ledgerKind() ledger.Kind {
	switch k {
	case subVoters:
		return ledger.KindVoter
	case subBandwidth:
		return ledger.KindBandwidth
	case subProposals:
		return ledger.KindProposal
	default:
		return ledger.KindVote
	}
}

type subscription struct {
	reqID   string
	kind    subKind
	target  feed.Target
	account string // delband subscriptions only
	resume  uint64
}

// subscriptionTable maps request ids to what they were issued for. It lives as
// long as one connection.
type subscriptionTable struct {
	mu        sync.RWMutex
	byReq     map[string]subscription
	byAccount map[string]string
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		byReq:     make(map[string]subscription),
		byAccount: make(map[string]string),
	}
}

func (t *subscriptionTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byReq = make(map[string]subscription)
	t.byAccount = make(map[string]string)
}

func (t *subscriptionTable) add(sub subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byReq[sub.reqID] = sub
	if sub.kind == subBandwidth {
		t.byAccount[sub.account] = sub.reqID
	}
}

func (t *subscriptionTable) lookup(reqID string) (subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.byReq[reqID]
	return sub, ok
}

func (t *subscriptionTable) hasAccount(account string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byAccount[account]
	return ok
}

func (t *subscriptionTable) accounts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byAccount))
	for a := range t.byAccount {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (t *subscriptionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byReq)
}

// SubscribedAccounts returns the accounts with a delband subscription on the
// current connection.
func (c *Collector) SubscribedAccounts() []string {
	return c.subs.accounts()
}

// subscribeBaseline issues the fixed subscriptions plus one delband
// subscription per tracked voter, all replaying from resume.
func (c *Collector) subscribeBaseline(resume uint64) error {
	system, forum := c.opts.SystemContract, c.opts.ForumContract
	baseline := []struct {
		kind   subKind
		target feed.Target
	}{
		{subVoters, feed.Target{Kind: feed.ResourceTable, Account: system, Scope: system, Name: "voters"}},
		{subVotes, feed.Target{Kind: feed.ResourceTable, Account: forum, Scope: forum, Name: "vote"}},
		{subProposals, feed.Target{Kind: feed.ResourceTable, Account: forum, Scope: forum, Name: "proposal"}},
		{subUnvote, feed.Target{Kind: feed.ResourceAction, Account: forum, Name: "unvote"}},
	}
	for _, b := range baseline {
		if err := c.subscribe(b.kind, b.target, "", resume); err != nil {
			return err
		}
	}
	for _, account := range c.store.Accounts() {
		if err := c.subscribeBandwidth(account, resume); err != nil {
			return err
		}
	}
	return nil
}

// subscribeBandwidth issues a delband subscription for account unless the
// current connection already has one.
func (c *Collector) subscribeBandwidth(account string, resume uint64) error {
	if c.subs.hasAccount(account) {
		return nil
	}
	system := c.opts.SystemContract
	target := feed.Target{Kind: feed.ResourceTable, Account: system, Scope: account, Name: "delband"}
	return c.subscribe(subBandwidth, target, account, resume)
}

// ensureBandwidthSubscriptions covers voters that entered the replica through
// a snapshot.
func (c *Collector) ensureBandwidthSubscriptions() error {
	resume := c.store.BlockNum()
	for _, account := range c.store.Accounts() {
		if err := c.subscribeBandwidth(account, resume); err != nil {
			return err
		}
	}
	return nil
}

// subscribe records the subscription and queues its request. It does not wait
// for the request to be written.
func (c *Collector) subscribe(kind subKind, target feed.Target, account string, resume uint64) error {
	sub := subscription{
		reqID:   kind.String() + "-" + uuid.NewString(),
		kind:    kind,
		target:  target,
		account: account,
		resume:  resume,
	}
	// registered first so the reply can never beat the table entry
	c.subs.add(sub)
	select {
	case c.outbox <- feed.NewRequest(sub.reqID, target, resume):
	default:
		return errOutboxFull
	}
	c.metrics.SubscriptionIssued()
	c.log.Printf("subscribe %s %s from %d", sub.reqID, target, resume)
	return nil
}
