package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"proposal-tally/internal/ledger"
	"proposal-tally/internal/tally"
)

var provisionalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncateToWidth cuts s to at most width display cells, ending in "..." when cut.
func truncateToWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(truncateToWidth(text, width-2), width-2) + "│"
}

// StatusInfo is the engine status shown in the header.
type StatusInfo struct {
	BlockNum    uint64
	Connection  string
	Proposals   int
	Voters      int
	Provisional int
	LastUpdate  time.Time
}

// ProposalRow is one line of the tally table.
type ProposalRow struct {
	Name        string
	Title       string
	Total       int64
	Choice0     int64
	Choice1     int64
	Other       int64
	Voters      int
	Provisional bool
	Pending     int
}

// ConnectionState is sent when the feed connection state changes.
type ConnectionState string

// TallyMsg is sent when a new tally was published.
type TallyMsg struct {
	Result tally.Result
	At     time.Time
}

// StateMsg is sent when the connection state changes.
type StateMsg struct {
	State ConnectionState
}

// Model holds the TUI state
type Model struct {
	status StatusInfo
	rows   []ProposalRow
	width  int
	height int
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{
		status: StatusInfo{Connection: "DISCONNECTED"},
		rows:   []ProposalRow{},
	}
}

// Rows converts a tally into table rows, heaviest proposal first.
func Rows(res tally.Result) []ProposalRow {
	rows := make([]ProposalRow, 0, len(res.Entries))
	for _, e := range res.Entries {
		row := ProposalRow{
			Name:        e.Proposal,
			Title:       e.Title,
			Total:       e.Total,
			Voters:      e.Voters,
			Provisional: e.Provisional,
			Pending:     len(e.Pending),
		}
		for choice, w := range e.ByChoice {
			switch choice {
			case 0:
				row.Choice0 += w
			case 1:
				row.Choice1 += w
			default:
				row.Other += w
			}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TallyMsg:
		m.rows = Rows(msg.Result)
		m.status.BlockNum = msg.Result.BlockNum
		m.status.Proposals = len(msg.Result.Entries)
		m.status.LastUpdate = msg.At
		m.status.Voters = 0
		m.status.Provisional = 0
		for _, r := range m.rows {
			m.status.Voters += r.Voters
			if r.Provisional {
				m.status.Provisional++
			}
		}
		return m, nil

	case StateMsg:
		m.status.Connection = string(msg.State)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderTally())
}

// renderHeader renders the top header section
func (m Model) renderHeader() string {
	colWidth := (m.width - 3) / 2
	rightColWidth := m.width - colWidth - 3

	updated := "never"
	if !m.status.LastUpdate.IsZero() {
		updated = m.status.LastUpdate.Format("15:04:05")
	}

	leftLines := []string{
		fmt.Sprintf("block: %d", m.status.BlockNum),
		fmt.Sprintf("feed: %s", m.status.Connection),
		fmt.Sprintf("updated: %s", updated),
	}
	rightLines := []string{
		fmt.Sprintf("proposals: %d", m.status.Proposals),
		fmt.Sprintf("counted votes: %d", m.status.Voters),
		fmt.Sprintf("provisional: %d", m.status.Provisional),
	}

	var rows []string
	for i := 0; i < len(leftLines); i++ {
		left := padToWidth(truncateToWidth(leftLines[i], colWidth-2), colWidth-2)
		right := padToWidth(truncateToWidth(rightLines[i], rightColWidth-2), rightColWidth-2)
		rows = append(rows, fmt.Sprintf("│ %s │ %s │", left, right))
	}

	topBorder := fmt.Sprintf("┌%s┬%s┐", strings.Repeat("─", colWidth), strings.Repeat("─", rightColWidth))
	separator := fmt.Sprintf("├%s┴%s┤", strings.Repeat("─", colWidth), strings.Repeat("─", rightColWidth))
	return topBorder + "\n" + strings.Join(rows, "\n") + "\n" + separator
}

// renderTally renders one line per proposal
func (m Model) renderTally() string {
	bottomBorder := "└" + strings.Repeat("─", max(m.width-2, 0)) + "┘"
	if len(m.rows) == 0 {
		return formatInfoLine(" no proposals", m.width) + "\n" + bottomBorder
	}

	// header (5 lines) + legend (2) + bottom border
	maxRows := m.height - 8
	if maxRows <= 0 {
		return bottomBorder
	}
	shown := m.rows
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}

	inner := m.width - 2
	const numbers = 3*16 + 8 + 4
	nameWidth := inner - numbers - 6
	if nameWidth < 13 {
		nameWidth = 13
	}

	var lines []string
	for i, r := range shown {
		flag := " "
		if r.Provisional {
			flag = "~"
		}
		name := r.Name
		if r.Title != "" {
			name += " " + r.Title
		}
		line := fmt.Sprintf("%3d %s %16s %16s %16s %8d %s",
			i+1,
			padToWidth(truncateToWidth(name, nameWidth), nameWidth),
			ledger.FormatUnits(r.Total),
			ledger.FormatUnits(r.Choice1),
			ledger.FormatUnits(r.Choice0),
			r.Voters,
			flag,
		)
		line = padToWidth(truncateToWidth(line, inner), inner)
		if r.Provisional {
			line = provisionalStyle.Render(line)
		}
		lines = append(lines, "│"+line+"│")
	}
	if hidden := len(m.rows) - len(shown); hidden > 0 {
		lines = append(lines, formatInfoLine(fmt.Sprintf(" ... %d more", hidden), m.width))
	}

	return strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" +
		formatInfoLine(" #, Proposal, Total, Choice 1, Choice 0, Votes, ~ provisional", m.width) + "\n" + bottomBorder
}

// Run starts the TUI program
func Run(updateCh <-chan interface{}) error {
	m := NewModel()
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Start goroutine to receive updates
	go func() {
		for data := range updateCh {
			switch v := data.(type) {
			case tally.Result:
				p.Send(TallyMsg{Result: v, At: time.Now()})
			case ConnectionState:
				p.Send(StateMsg{State: v})
			case fmt.Stringer:
				p.Send(StateMsg{State: ConnectionState(v.String())})
			}
		}
		// Channel closed, quit TUI
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
