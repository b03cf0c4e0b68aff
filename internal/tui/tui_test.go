package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"proposal-tally/internal/tally"
)

func sampleResult() tally.Result {
	return tally.Result{
		BlockNum: 1234,
		Entries: []tally.Entry{
			{Proposal: "prop1", Title: "First", Total: 10000, ByChoice: map[uint8]int64{1: 10000}, Voters: 1},
			{Proposal: "prop2", Title: "Second", Total: 25000, ByChoice: map[uint8]int64{0: 5000, 1: 15000, 7: 5000}, Voters: 3, Provisional: true, Pending: []string{"carol"}},
		},
		Provisional: true,
	}
}

func TestRowsOrderedByWeight(t *testing.T) {
	rows := Rows(sampleResult())
	require.Len(t, rows, 2)
	require.Equal(t, "prop2", rows[0].Name)
	require.Equal(t, int64(15000), rows[0].Choice1)
	require.Equal(t, int64(5000), rows[0].Choice0)
	require.Equal(t, int64(5000), rows[0].Other)
	require.Equal(t, 1, rows[0].Pending)
	require.Equal(t, "prop1", rows[1].Name)
}

func TestModelRendersTally(t *testing.T) {
	var model tea.Model = NewModel()
	require.Equal(t, "Loading...", model.View())

	model, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	model, _ = model.Update(TallyMsg{Result: sampleResult(), At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	model, _ = model.Update(StateMsg{State: "SUBSCRIBED"})

	m := model.(Model)
	require.Equal(t, uint64(1234), m.status.BlockNum)
	require.Equal(t, 2, m.status.Proposals)
	require.Equal(t, 4, m.status.Voters)
	require.Equal(t, 1, m.status.Provisional)

	out := model.View()
	require.Contains(t, out, "block: 1234")
	require.Contains(t, out, "feed: SUBSCRIBED")
	require.Contains(t, out, "prop1 First")
	require.Contains(t, out, "2.5000")
	require.Less(t, strings.Index(out, "prop2"), strings.Index(out, "prop1"))
}

func TestModelWithoutProposals(t *testing.T) {
	var model tea.Model = NewModel()
	model, _ = model.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	require.Contains(t, model.View(), "no proposals")
}

func TestQuitKey(t *testing.T) {
	_, cmd := NewModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
}

func TestTruncateToWidth(t *testing.T) {
	require.Equal(t, "abc", truncateToWidth("abc", 5))
	require.Equal(t, "ab...", truncateToWidth("abcdefgh", 5))
}
