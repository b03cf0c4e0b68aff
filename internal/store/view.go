package store

import (
	"github.com/google/btree"

	"proposal-tally/internal/ledger"
)

// View is an immutable point-in-time view of the replica. It stays valid while
// the Store keeps changing.
type View struct {
	blockNum  uint64
	voters    *btree.BTreeG[ledger.Voter]
	bandwidth *btree.BTreeG[ledger.Bandwidth]
	proposals *btree.BTreeG[ledger.Proposal]
	votes     *btree.BTreeG[ledger.Vote]
}

func (v *View) BlockNum() uint64 { return v.blockNum }

func (v *View) Voter(owner string) (ledger.Voter, bool) {
	return v.voters.Get(ledger.Voter{Owner: owner})
}

func (v *View) Bandwidth(owner string) (ledger.Bandwidth, bool) {
	return v.bandwidth.Get(ledger.Bandwidth{Owner: owner})
}

func (v *View) Proposal(name string) (ledger.Proposal, bool) {
	return v.proposals.Get(ledger.Proposal{Name: name})
}

func (v *View) Vote(key ledger.VoteKey) (ledger.Vote, bool) {
	return v.votes.Get(ledger.Vote{Voter: key.Voter, Proposal: key.Proposal})
}

// Voters calls fn for every voter in account order until fn returns false.
func (v *View) Voters(fn func(ledger.Voter) bool) {
	v.voters.Ascend(fn)
}

// Proposals calls fn for every proposal in name order until fn returns false.
func (v *View) Proposals(fn func(ledger.Proposal) bool) {
	v.proposals.Ascend(fn)
}

// VotesFor calls fn for every vote on proposal in voter order until fn returns false.
func (v *View) VotesFor(proposal string, fn func(ledger.Vote) bool) {
	v.votes.AscendGreaterOrEqual(ledger.Vote{Proposal: proposal}, func(vote ledger.Vote) bool {
		if vote.Proposal != proposal {
			return false
		}
		return fn(vote)
	})
}

// Snapshot copies the view into a ledger.Snapshot.
func (v *View) Snapshot() ledger.Snapshot {
	snap := ledger.Snapshot{BlockNum: v.blockNum}
	v.voters.Ascend(func(x ledger.Voter) bool { snap.Voters = append(snap.Voters, x); return true })
	v.bandwidth.Ascend(func(x ledger.Bandwidth) bool { snap.Bandwidth = append(snap.Bandwidth, x); return true })
	v.proposals.Ascend(func(x ledger.Proposal) bool { snap.Proposals = append(snap.Proposals, x); return true })
	v.votes.Ascend(func(x ledger.Vote) bool { snap.Votes = append(snap.Votes, x); return true })
	return snap
}
