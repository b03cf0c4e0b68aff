// Package tally derives per-proposal weighted vote totals from a store view.
package tally

import (
	"sort"

	"github.com/shopspring/decimal"

	"proposal-tally/internal/ledger"
	"proposal-tally/internal/store"
)

// Entry is the weighted tally of one proposal.
type Entry struct {
	Proposal string
	Title    string
	Total    int64           // asset units
	ByChoice map[uint8]int64 // asset units per vote choice
	Voters   int
	// Provisional is set when a counted voter's weight inputs are not all known yet.
	Provisional bool
	Pending     []string
}

// Result is a tally of every known proposal at BlockNum.
type Result struct {
	BlockNum    uint64
	Entries     []Entry
	Provisional bool
}

// Entry returns the tally of a proposal.
func (r Result) Entry(proposal string) (Entry, bool) {
	i := sort.Search(len(r.Entries), func(i int) bool { return r.Entries[i].Proposal >= proposal })
	if i < len(r.Entries) && r.Entries[i].Proposal == proposal {
		return r.Entries[i], true
	}
	return Entry{}, false
}

// Engine computes tallies from a Store.
type Engine struct {
	store *store.Store
}

func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Compute tallies the store's current contents. It does not mutate anything and
// is safe to call concurrently with writers.
func (e *Engine) Compute() Result {
	return Compute(e.store.View())
}

// Compute is a pure function of the view. Entries are ordered by proposal name.
func Compute(view *store.View) Result {
	w := newWeigher(view)
	res := Result{BlockNum: view.BlockNum()}

	view.Proposals(func(p ledger.Proposal) bool {
		entry := Entry{Proposal: p.Name, Title: p.Title, ByChoice: map[uint8]int64{}}
		pending := map[string]struct{}{}

		view.VotesFor(p.Name, func(vote ledger.Vote) bool {
			weight, partial := w.voteWeight(vote.Voter, p.Name)
			entry.Total += weight
			entry.ByChoice[vote.Choice] += weight
			entry.Voters++
			for _, account := range partial {
				pending[account] = struct{}{}
			}
			return true
		})

		if len(pending) > 0 {
			entry.Provisional = true
			entry.Pending = make([]string, 0, len(pending))
			for account := range pending {
				entry.Pending = append(entry.Pending, account)
			}
			sort.Strings(entry.Pending)
			res.Provisional = true
		}
		res.Entries = append(res.Entries, entry)
		return true
	})
	return res
}

type weigher struct {
	view *store.View
	// delegators maps a proxy to the accounts that set it as their proxy.
	delegators map[string][]string
}

func newWeigher(view *store.View) *weigher {
	w := &weigher{view: view, delegators: map[string][]string{}}
	view.Voters(func(v ledger.Voter) bool {
		if v.Proxy != "" && v.Proxy != v.Owner {
			w.delegators[v.Proxy] = append(w.delegators[v.Proxy], v.Owner)
		}
		return true
	})
	return w
}

// ownWeight is the voter's row stake when the row is known, otherwise its
// self-delegated bandwidth. The weight is partial until the bandwidth is observed.
func (w *weigher) ownWeight(owner string) (int64, bool) {
	v, hasVoter := w.view.Voter(owner)
	b, hasBandwidth := w.view.Bandwidth(owner)
	var weight int64
	switch {
	case hasVoter && v.Known:
		weight = v.Staked
	case hasBandwidth:
		weight = b.Total()
	}
	return weight, !hasBandwidth
}

// voteWeight is the voter's own weight plus the weight of accounts proxying to
// it that did not vote on the proposal themselves. It returns the accounts whose
// weight is only partially known.
func (w *weigher) voteWeight(voter, proposal string) (int64, []string) {
	var partial []string
	weight, isPartial := w.ownWeight(voter)
	if isPartial {
		partial = append(partial, voter)
	}

	v, ok := w.view.Voter(voter)
	if !ok || !v.IsProxy {
		return weight, partial
	}
	if w.delegationUnresolved(v) {
		partial = append(partial, voter)
	}
	for _, delegator := range w.delegators[voter] {
		if _, voted := w.view.Vote(ledger.VoteKey{Voter: delegator, Proposal: proposal}); voted {
			continue
		}
		dw, dPartial := w.ownWeight(delegator)
		weight += dw
		if dPartial {
			partial = append(partial, delegator)
		}
	}
	return weight, partial
}

// resolvedShare is the part of a proxy's proxied vote weight its tracked
// delegators must account for. The chain stores vote weights as doubles.
var resolvedShare = decimal.RequireFromString("0.999")

// delegationUnresolved reports whether the proxy row shows more proxied vote
// weight than the last vote weights of its tracked delegators add up to, that
// is, some account proxies to it that the replica does not track yet.
func (w *weigher) delegationUnresolved(proxy ledger.Voter) bool {
	proxied, err := decimal.NewFromString(proxy.ProxiedVoteWeight)
	if err != nil || !proxied.IsPositive() {
		return false
	}
	seen := decimal.Zero
	for _, delegator := range w.delegators[proxy.Owner] {
		d, _ := w.view.Voter(delegator)
		if lw, err := decimal.NewFromString(d.LastVoteWeight); err == nil {
			seen = seen.Add(lw)
		}
	}
	return seen.LessThan(proxied.Mul(resolvedShare))
}
