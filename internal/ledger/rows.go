package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Chain JSON encodes 64-bit integers either as numbers or as strings.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("integer %s: %w", b, err)
	}
	*n = flexInt(v)
	return nil
}

type flexUint uint64

func (n *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unsigned integer %s: %w", b, err)
	}
	*n = flexUint(v)
	return nil
}

var chainTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// chainTime parses timestamps without zone, which the chain emits in UTC.
type chainTime time.Time

func (t *chainTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time: %w", err)
	}
	if s == "" {
		*t = chainTime(time.Time{})
		return nil
	}
	for _, layout := range chainTimeLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = chainTime(v)
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

type voterRow struct {
	Owner             string   `json:"owner"`
	Proxy             string   `json:"proxy"`
	Producers         []string `json:"producers"`
	Staked            flexInt  `json:"staked"`
	LastVoteWeight    string   `json:"last_vote_weight"`
	ProxiedVoteWeight string   `json:"proxied_vote_weight"`
	IsProxy           flexInt  `json:"is_proxy"`
}

type delbandRow struct {
	From      string `json:"from"`
	To        string `json:"to"`
	NetWeight Asset  `json:"net_weight"`
	CPUWeight Asset  `json:"cpu_weight"`
}

type proposalRow struct {
	ProposalName string    `json:"proposal_name"`
	Proposer     string    `json:"proposer"`
	Title        string    `json:"title"`
	ProposalJSON string    `json:"proposal_json"`
	CreatedAt    chainTime `json:"created_at"`
	ExpiresAt    chainTime `json:"expires_at"`
}

type voteRow struct {
	ID           flexUint  `json:"id"`
	ProposalName string    `json:"proposal_name"`
	Voter        string    `json:"voter"`
	Vote         flexInt   `json:"vote"`
	VoteJSON     string    `json:"vote_json"`
	UpdatedAt    chainTime `json:"updated_at"`
}

// Unvote is the payload of the forum contract unvote action.
type Unvote struct {
	Voter    string `json:"voter"`
	Proposal string `json:"proposal_name"`
}

// DecodeVoter decodes a voters table row.
func DecodeVoter(raw json.RawMessage) (Voter, error) {
	var r voterRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return Voter{}, fmt.Errorf("decode voter: %w", err)
	}
	if r.Owner == "" {
		return Voter{}, fmt.Errorf("decode voter: missing owner")
	}
	return Voter{
		Owner:             r.Owner,
		Proxy:             r.Proxy,
		IsProxy:           r.IsProxy != 0,
		Staked:            int64(r.Staked),
		LastVoteWeight:    r.LastVoteWeight,
		ProxiedVoteWeight: r.ProxiedVoteWeight,
		Known:             true,
	}, nil
}

// DecodeBandwidth decodes a delband row. self reports whether the row is
// self-delegated (from == to); other rows do not contribute voting weight.
func DecodeBandwidth(raw json.RawMessage) (b Bandwidth, self bool, err error) {
	var r delbandRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return Bandwidth{}, false, fmt.Errorf("decode delband: %w", err)
	}
	if r.From == "" {
		return Bandwidth{}, false, fmt.Errorf("decode delband: missing from")
	}
	return Bandwidth{Owner: r.From, NetWeight: r.NetWeight, CPUWeight: r.CPUWeight}, r.From == r.To, nil
}

// DecodeProposal decodes a forum proposal row.
func DecodeProposal(raw json.RawMessage) (Proposal, error) {
	var r proposalRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	if r.ProposalName == "" {
		return Proposal{}, fmt.Errorf("decode proposal: missing proposal_name")
	}
	return Proposal{
		Name:         r.ProposalName,
		Proposer:     r.Proposer,
		Title:        r.Title,
		ProposalJSON: r.ProposalJSON,
		CreatedAt:    time.Time(r.CreatedAt),
		ExpiresAt:    time.Time(r.ExpiresAt),
	}, nil
}

// DecodeVote decodes a forum vote row.
func DecodeVote(raw json.RawMessage) (Vote, error) {
	var r voteRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return Vote{}, fmt.Errorf("decode vote: %w", err)
	}
	if r.Voter == "" || r.ProposalName == "" {
		return Vote{}, fmt.Errorf("decode vote: missing voter or proposal_name")
	}
	if r.Vote < 0 || r.Vote > 255 {
		return Vote{}, fmt.Errorf("decode vote: choice %d out of range", r.Vote)
	}
	return Vote{
		ID:        uint64(r.ID),
		Proposal:  r.ProposalName,
		Voter:     r.Voter,
		Choice:    uint8(r.Vote),
		VoteJSON:  r.VoteJSON,
		UpdatedAt: time.Time(r.UpdatedAt),
	}, nil
}

// DecodeUnvote decodes the unvote action data.
func DecodeUnvote(raw json.RawMessage) (Unvote, error) {
	var u Unvote
	if err := json.Unmarshal(raw, &u); err != nil {
		return Unvote{}, fmt.Errorf("decode unvote: %w", err)
	}
	return u, nil
}
