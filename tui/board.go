package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gobuild/monitor/monitor"
)

// BoardSource is what the list screen reads. *monitor.BoardView satisfies
// it.
type BoardSource interface {
	Builds() []monitor.BuildSummary
	Dismiss(buildID string)
	Polling() bool
	FetchError() error
	Changes() <-chan struct{}
}

// BoardModel lists builds with their status and progress. Enter picks a
// build; the caller reads Selected after the program exits.
type BoardModel struct {
	src    BoardSource
	status Status
	title  string
	theme  theme

	cursor   int
	selected string
	width    int
}

func NewBoardModel(title string, src BoardSource, status Status) BoardModel {
	return BoardModel{src: src, status: status, title: title, theme: newTheme()}
}

// Selected is the build chosen with enter, or "".
func (m BoardModel) Selected() string { return m.selected }

func (m BoardModel) Init() tea.Cmd {
	return waitForChange(m.src.Changes())
}

func (m BoardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case changedMsg:
		m.clampCursor()
		return m, waitForChange(m.src.Changes())
	case tea.KeyMsg:
		builds := m.src.Builds()
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			m.cursor--
		case "down", "j":
			m.cursor++
		case "enter":
			if len(builds) > 0 {
				m.clampCursor()
				m.selected = builds[m.cursor].ID
				return m, tea.Quit
			}
		case "x":
			if len(builds) > 0 {
				m.clampCursor()
				m.src.Dismiss(builds[m.cursor].ID)
			}
		}
		m.clampCursor()
	}
	return m, nil
}

func (m *BoardModel) clampCursor() {
	n := len(m.src.Builds())
	m.cursor = min(max(m.cursor, 0), max(n-1, 0))
}

func (m BoardModel) View() string {
	builds := m.src.Builds()
	var rows strings.Builder
	if len(builds) == 0 {
		rows.WriteString(m.theme.muted.Render("no builds"))
	}
	barWidth := 20
	for i, b := range builds {
		cursor := "  "
		id := b.ID
		if i == m.cursor {
			cursor = "> "
			id = m.theme.selected.Render(id)
		}
		fmt.Fprintf(&rows, "%s%-12s %-10s %s  %s\n",
			cursor, id, m.theme.statusText(string(b.Status)),
			m.theme.progressBar(b.Progress, barWidth), b.Branch)
	}

	var bits []string
	if m.status.Connected != nil && !m.status.Connected() {
		bits = append(bits, "○ disconnected")
	}
	if m.src.Polling() {
		bits = append(bits, "polling")
	}
	if err := m.src.FetchError(); err != nil {
		bits = append(bits, m.theme.errText.Render("refresh failed: "+err.Error()))
	}
	bits = append(bits, "↑↓ move · enter open · x dismiss · q quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		m.theme.header.Render(m.theme.title.Render(m.title)),
		strings.TrimRight(rows.String(), "\n"),
		m.theme.footer.Render(strings.Join(bits, " │ ")),
	)
}
