package ledger

// Delta is one inbound change, dispatched by concrete type:
// VoterDelta, BandwidthDelta, ProposalDelta, VoteDelta, UnvoteDelta or UndoDelta.
type Delta interface {
	Block() uint64
}

// Op is the table operation that produced a row delta.
type Op uint8

const (
	OpUpsert Op = iota
	OpRemove
)

// VoterDelta carries a new voters table row.
type VoterDelta struct {
	BlockNum uint64
	Voter    Voter
}

// BandwidthDelta carries a new self-delegated bandwidth row.
type BandwidthDelta struct {
	BlockNum  uint64
	Bandwidth Bandwidth
}

// ProposalDelta carries a proposal row insert, update or removal.
type ProposalDelta struct {
	BlockNum uint64
	Op       Op
	Proposal Proposal
}

// VoteDelta carries a vote row insert, update or removal.
type VoteDelta struct {
	BlockNum uint64
	Op       Op
	Vote     Vote
}

// UnvoteDelta is an observed unvote action.
type UnvoteDelta struct {
	BlockNum uint64
	Unvote   Unvote
}

// UndoDelta reports that a previously delivered change was reverted by a fork.
type UndoDelta struct {
	BlockNum uint64
	Kind     Kind
	Key      string
}

func (d VoterDelta) Block() uint64     { return d.BlockNum }
func (d BandwidthDelta) Block() uint64 { return d.BlockNum }
func (d ProposalDelta) Block() uint64  { return d.BlockNum }
func (d VoteDelta) Block() uint64      { return d.BlockNum }
func (d UnvoteDelta) Block() uint64    { return d.BlockNum }
func (d UndoDelta) Block() uint64      { return d.BlockNum }
