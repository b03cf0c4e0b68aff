package tally

import (
	"testing"

	"github.com/stretchr/testify/require"

	"proposal-tally/internal/ledger"
	"proposal-tally/internal/store"
)

func eos(units int64) ledger.Asset {
	return ledger.Asset{Amount: units, Symbol: "EOS"}
}

func seed(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	s.UpsertProposal(ledger.Proposal{Name: "prop1", Title: "First"}, 1)
	s.UpsertProposal(ledger.Proposal{Name: "prop2", Title: "Second"}, 1)

	s.UpsertVoter(ledger.Voter{Owner: "alice", Staked: 100, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "alice", NetWeight: eos(50), CPUWeight: eos(50)}, 1)

	s.UpsertVoter(ledger.Voter{Owner: "bob", Staked: 30, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "bob", NetWeight: eos(15), CPUWeight: eos(15)}, 1)

	s.UpsertVote(ledger.Vote{Voter: "alice", Proposal: "prop1", Choice: 1}, 2)
	s.UpsertVote(ledger.Vote{Voter: "bob", Proposal: "prop1", Choice: 0}, 2)
	return s
}

func TestComputeSumsWeights(t *testing.T) {
	res := NewEngine(seed(t)).Compute()
	require.False(t, res.Provisional)
	require.Len(t, res.Entries, 2)

	e, ok := res.Entry("prop1")
	require.True(t, ok)
	require.Equal(t, "First", e.Title)
	require.Equal(t, int64(130), e.Total)
	require.Equal(t, map[uint8]int64{1: 100, 0: 30}, e.ByChoice)
	require.Equal(t, 2, e.Voters)

	e, ok = res.Entry("prop2")
	require.True(t, ok)
	require.Zero(t, e.Total)
	require.Zero(t, e.Voters)

	_, ok = res.Entry("missing")
	require.False(t, ok)
}

func TestComputeIsPure(t *testing.T) {
	engine := NewEngine(seed(t))
	require.Equal(t, engine.Compute(), engine.Compute())
}

func TestUnknownBandwidthIsProvisional(t *testing.T) {
	s := seed(t)
	s.UpsertVoter(ledger.Voter{Owner: "carol"}, 0)
	s.UpsertVote(ledger.Vote{Voter: "carol", Proposal: "prop2", Choice: 1}, 3)

	res := NewEngine(s).Compute()
	require.True(t, res.Provisional)

	e, _ := res.Entry("prop2")
	require.True(t, e.Provisional)
	require.Equal(t, []string{"carol"}, e.Pending)
	require.Zero(t, e.Total)

	e, _ = res.Entry("prop1")
	require.False(t, e.Provisional)

	// bandwidth resolves the placeholder's weight
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "carol", NetWeight: eos(7), CPUWeight: eos(3)}, 4)
	res = NewEngine(s).Compute()
	require.False(t, res.Provisional)
	e, _ = res.Entry("prop2")
	require.Equal(t, int64(10), e.Total)
}

func TestProxyWeight(t *testing.T) {
	s := seed(t)
	s.UpsertVoter(ledger.Voter{Owner: "proxy1", IsProxy: true, Staked: 10, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "proxy1"}, 1)
	s.UpsertVoter(ledger.Voter{Owner: "dave", Proxy: "proxy1", Staked: 40, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "dave"}, 1)
	s.UpsertVoter(ledger.Voter{Owner: "erin", Proxy: "proxy1", Staked: 5, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "erin"}, 1)

	s.UpsertVote(ledger.Vote{Voter: "proxy1", Proposal: "prop2", Choice: 1}, 3)
	// erin voted directly and is not counted through the proxy
	s.UpsertVote(ledger.Vote{Voter: "erin", Proposal: "prop2", Choice: 0}, 3)

	e, _ := NewEngine(s).Compute().Entry("prop2")
	require.Equal(t, int64(55), e.Total)
	require.Equal(t, int64(50), e.ByChoice[1])
	require.Equal(t, int64(5), e.ByChoice[0])
}

func TestProxyWithUntrackedDelegatorsIsProvisional(t *testing.T) {
	s := seed(t)
	s.UpsertVoter(ledger.Voter{Owner: "proxy1", IsProxy: true, Staked: 10, ProxiedVoteWeight: "2500.5", Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "proxy1"}, 1)
	s.UpsertVote(ledger.Vote{Voter: "proxy1", Proposal: "prop2", Choice: 1}, 3)

	e, _ := NewEngine(s).Compute().Entry("prop2")
	require.Equal(t, int64(10), e.Total)
	require.True(t, e.Provisional)
	require.Equal(t, []string{"proxy1"}, e.Pending)

	s.UpsertVoter(ledger.Voter{Owner: "dave", Proxy: "proxy1", Staked: 40, LastVoteWeight: "2.5005e+03", Known: true}, 4)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "dave"}, 4)

	e, _ = NewEngine(s).Compute().Entry("prop2")
	require.Equal(t, int64(50), e.Total)
	require.False(t, e.Provisional)
	require.Empty(t, e.Pending)
}

func TestProxyIgnoredWhenNotRegistered(t *testing.T) {
	s := seed(t)
	s.UpsertVoter(ledger.Voter{Owner: "frank", Proxy: "alice", Staked: 1000, Known: true}, 1)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "frank"}, 1)

	e, _ := NewEngine(s).Compute().Entry("prop1")
	require.Equal(t, int64(130), e.Total)
}

func TestPlaceholderFallsBackToBandwidth(t *testing.T) {
	s := store.New()
	s.UpsertProposal(ledger.Proposal{Name: "prop1"}, 1)
	s.UpsertVoter(ledger.Voter{Owner: "gina"}, 0)
	s.UpsertBandwidth(ledger.Bandwidth{Owner: "gina", NetWeight: eos(20), CPUWeight: eos(22)}, 1)
	s.UpsertVote(ledger.Vote{Voter: "gina", Proposal: "prop1", Choice: 2}, 1)

	e, _ := NewEngine(s).Compute().Entry("prop1")
	require.Equal(t, int64(42), e.Total)
	require.False(t, e.Provisional)
}

func TestResultCarriesWatermark(t *testing.T) {
	s := seed(t)
	s.AdvanceBlock(77)
	require.Equal(t, uint64(77), NewEngine(s).Compute().BlockNum)
}
