// Package store holds the in-memory replica of the tracked ledger tables.
//
// Every mutation runs under the store lock, and readers work on a View: a
// copy-on-write clone of the indexes taken under the same lock. A reader therefore
// never observes a partially applied delta or a partially replaced snapshot.
package store

import (
	"strings"

	cmtsync "github.com/cometbft/cometbft/libs/sync"
	"github.com/google/btree"

	"proposal-tally/internal/ledger"
)

const btreeDegree = 32

type appliedKey struct {
	kind ledger.Kind
	key  string
}

type state struct {
	blockNum uint64
	// floor is the block of the last snapshot; nothing at or below it is applied.
	floor     uint64
	voters    *btree.BTreeG[ledger.Voter]
	bandwidth *btree.BTreeG[ledger.Bandwidth]
	proposals *btree.BTreeG[ledger.Proposal]
	votes     *btree.BTreeG[ledger.Vote]
	applied   map[appliedKey]uint64
}

func newState() *state {
	return &state{
		voters:    btree.NewG(btreeDegree, func(a, b ledger.Voter) bool { return a.Owner < b.Owner }),
		bandwidth: btree.NewG(btreeDegree, func(a, b ledger.Bandwidth) bool { return a.Owner < b.Owner }),
		proposals: btree.NewG(btreeDegree, func(a, b ledger.Proposal) bool { return a.Name < b.Name }),
		votes:     btree.NewG(btreeDegree, voteLess),
		applied:   make(map[appliedKey]uint64),
	}
}

// Votes are ordered by proposal first so a proposal's votes are contiguous.
func voteLess(a, b ledger.Vote) bool {
	if a.Proposal != b.Proposal {
		return a.Proposal < b.Proposal
	}
	return a.Voter < b.Voter
}

// Store is the replica. The zero value is not usable; call New.
type Store struct {
	mu    cmtsync.RWMutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

// BlockNum returns the watermark: the highest block whose effects were applied.
func (s *Store) BlockNum() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.blockNum
}

// AdvanceBlock raises the watermark to n. It never lowers it.
func (s *Store) AdvanceBlock(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.state.blockNum {
		s.state.blockNum = n
	}
	return s.state.blockNum
}

// SnapshotBlock returns the block of the last installed snapshot, 0 if none.
func (s *Store) SnapshotBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.floor
}

// Accepts reports whether a delta for (kind, key) at block is new. A delta at or
// below the key's last applied block, or at or below the last snapshot, is a
// duplicate. Deltas for different keys are independent.
func (s *Store) Accepts(kind ledger.Kind, key string, block uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if block <= s.state.floor {
		return false
	}
	last, ok := s.state.applied[appliedKey{kind, key}]
	return !ok || block > last
}

// markApplied must be called with the write lock held. Block 0 marks rows that
// were fetched rather than delivered by the feed and leaves bookkeeping unchanged.
func (s *Store) markApplied(kind ledger.Kind, key string, block uint64) {
	if block == 0 {
		return
	}
	k := appliedKey{kind, key}
	if block > s.state.applied[k] {
		s.state.applied[k] = block
	}
}

// UpsertVoter stores v unconditionally and returns the previous row, if any.
func (s *Store) UpsertVoter(v ledger.Voter, block uint64) (ledger.Voter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindVoter, v.Owner, block)
	return s.state.voters.ReplaceOrInsert(v)
}

// UpsertBandwidth stores b unconditionally and returns the previous row, if any.
func (s *Store) UpsertBandwidth(b ledger.Bandwidth, block uint64) (ledger.Bandwidth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindBandwidth, b.Owner, block)
	return s.state.bandwidth.ReplaceOrInsert(b)
}

// UpsertProposal stores p unconditionally and returns the previous row, if any.
func (s *Store) UpsertProposal(p ledger.Proposal, block uint64) (ledger.Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindProposal, p.Name, block)
	return s.state.proposals.ReplaceOrInsert(p)
}

// RemoveProposal deletes the proposal and returns it, if it existed.
func (s *Store) RemoveProposal(name string, block uint64) (ledger.Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindProposal, name, block)
	return s.state.proposals.Delete(ledger.Proposal{Name: name})
}

// UpsertVote stores v unconditionally and returns the previous vote of the same
// voter on the same proposal, if any.
func (s *Store) UpsertVote(v ledger.Vote, block uint64) (ledger.Vote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindVote, v.Key().String(), block)
	return s.state.votes.ReplaceOrInsert(v)
}

// RemoveVote deletes the vote and returns it, if it existed.
func (s *Store) RemoveVote(key ledger.VoteKey, block uint64) (ledger.Vote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markApplied(ledger.KindVote, key.String(), block)
	return s.state.votes.Delete(ledger.Vote{Voter: key.Voter, Proposal: key.Proposal})
}

// SnapshotReplace discards every record and installs snap in one step. The
// watermark becomes the snapshot block (never lower than before), and deltas at
// or below the snapshot block are rejected afterwards.
func (s *Store) SnapshotReplace(snap ledger.Snapshot) {
	next := newState()
	for _, v := range snap.Voters {
		next.voters.ReplaceOrInsert(v)
	}
	for _, b := range snap.Bandwidth {
		next.bandwidth.ReplaceOrInsert(b)
	}
	for _, p := range snap.Proposals {
		next.proposals.ReplaceOrInsert(p)
	}
	for _, v := range snap.Votes {
		next.votes.ReplaceOrInsert(v)
	}
	next.floor = snap.BlockNum
	next.blockNum = snap.BlockNum

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.blockNum > next.blockNum {
		next.blockNum = s.state.blockNum
	}
	s.state = next
}

// Contains reports whether a record exists. Vote ids use ledger.VoteKey.String.
func (s *Store) Contains(kind ledger.Kind, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case ledger.KindVoter:
		return s.state.voters.Has(ledger.Voter{Owner: id})
	case ledger.KindBandwidth:
		return s.state.bandwidth.Has(ledger.Bandwidth{Owner: id})
	case ledger.KindProposal:
		return s.state.proposals.Has(ledger.Proposal{Name: id})
	case ledger.KindVote:
		voter, proposal, ok := strings.Cut(id, "/")
		if !ok {
			return false
		}
		return s.state.votes.Has(ledger.Vote{Voter: voter, Proposal: proposal})
	default:
		return false
	}
}

// Voter returns the tracked voter row of owner.
func (s *Store) Voter(owner string) (ledger.Voter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.voters.Get(ledger.Voter{Owner: owner})
}

// Len returns the number of records of a kind.
func (s *Store) Len(kind ledger.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case ledger.KindVoter:
		return s.state.voters.Len()
	case ledger.KindBandwidth:
		return s.state.bandwidth.Len()
	case ledger.KindProposal:
		return s.state.proposals.Len()
	case ledger.KindVote:
		return s.state.votes.Len()
	default:
		return 0
	}
}

// Accounts returns the tracked voter accounts in ascending order.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, s.state.voters.Len())
	s.state.voters.Ascend(func(v ledger.Voter) bool {
		out = append(out, v.Owner)
		return true
	})
	return out
}

// View returns a consistent read-only view of the replica. Clone mutates the
// source tree's copy-on-write context, so it takes the write lock.
func (s *Store) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &View{
		blockNum:  s.state.blockNum,
		voters:    s.state.voters.Clone(),
		bandwidth: s.state.bandwidth.Clone(),
		proposals: s.state.proposals.Clone(),
		votes:     s.state.votes.Clone(),
	}
}
