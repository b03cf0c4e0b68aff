// Package ledger defines the replicated ledger entities and the deltas that mutate them.
package ledger

import "time"

// Kind identifies an entity table in the replica.
type Kind uint8

const (
	KindVoter Kind = iota + 1
	KindBandwidth
	KindProposal
	KindVote
)

func (k Kind) String() string {
	switch k {
	case KindVoter:
		return "voter"
	case KindBandwidth:
		return "delband"
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	default:
		return "unknown"
	}
}

// Voter is a row of the system contract voters table.
// Known is false for placeholders created before the row could be fetched.
type Voter struct {
	Owner             string
	Proxy             string
	IsProxy           bool
	Staked            int64 // asset units (10^-4)
	LastVoteWeight    string
	ProxiedVoteWeight string
	Known             bool
}

// Bandwidth is the self-delegated bandwidth of an account (delband row with from == to).
type Bandwidth struct {
	Owner     string
	NetWeight Asset
	CPUWeight Asset
}

// Total returns the combined net and cpu stake in asset units.
func (b Bandwidth) Total() int64 {
	return b.NetWeight.Amount + b.CPUWeight.Amount
}

// Proposal is a forum contract proposal row.
type Proposal struct {
	Name         string
	Proposer     string
	Title        string
	ProposalJSON string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Vote is a forum contract vote row. A voter holds at most one vote per proposal.
type Vote struct {
	ID        uint64
	Proposal  string
	Voter     string
	Choice    uint8
	VoteJSON  string
	UpdatedAt time.Time
}

// VoteKey is the composite identity of a Vote.
type VoteKey struct {
	Voter    string
	Proposal string
}

// Key returns the identity of the vote.
func (v Vote) Key() VoteKey {
	return VoteKey{Voter: v.Voter, Proposal: v.Proposal}
}

// String renders the key as used for per-key bookkeeping.
func (k VoteKey) String() string {
	return k.Voter + "/" + k.Proposal
}

// Snapshot is a point-in-time copy of every tracked table as of BlockNum.
type Snapshot struct {
	BlockNum  uint64
	Voters    []Voter
	Bandwidth []Bandwidth
	Proposals []Proposal
	Votes     []Vote
}
