package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gobuild/monitor/logs"
	"gobuild/monitor/shared/model"
)

// BuildSource is what the detail screen reads. *monitor.BuildView
// satisfies it.
type BuildSource interface {
	BuildID() string
	Build() (model.Build, bool)
	Progress() int
	Elapsed() time.Duration
	Logs() *logs.Buffer
	Polling() bool
	FetchError() error
	Changes() <-chan struct{}
	Cancel(ctx context.Context) error
	Restart(ctx context.Context) (string, error)
}

// Status is the ambient state shown in the footer.
type Status struct {
	Connected func() bool
	Unread    func() int
}

type changedMsg struct{}

type actionDoneMsg struct {
	status string
	err    error
	// next is the build a successful restart created.
	next string
}

var levels = []logs.Level{logs.All, logs.Error, logs.Warning, logs.Info}

// BuildModel is the detail screen of one build.
type BuildModel struct {
	src    BuildSource
	status Status
	theme  theme

	level    logs.Level
	logView  viewport.Model
	width    int
	height   int
	busy     bool
	message  string
	errorMsg string
	next     string
}

func NewBuildModel(src BuildSource, status Status) BuildModel {
	return BuildModel{
		src:     src,
		status:  status,
		theme:   newTheme(),
		level:   logs.All,
		logView: viewport.New(80, 10),
	}
}

// Next is the build created by a restart, or "". The program quits after a
// successful restart so the caller can open it.
func (m BuildModel) Next() string { return m.next }

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m BuildModel) Init() tea.Cmd {
	return waitForChange(m.src.Changes())
}

func (m BuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logView.Width = max(20, msg.Width-2)
		m.logView.Height = max(3, msg.Height-m.chromeHeight())
	case changedMsg:
		m.refreshLogs()
		return m, waitForChange(m.src.Changes())
	case actionDoneMsg:
		m.busy = false
		if msg.next != "" {
			m.next = msg.next
			return m, tea.Quit
		}
		if msg.err != nil {
			m.errorMsg = msg.err.Error()
			m.message = ""
		} else {
			m.errorMsg = ""
			m.message = msg.status
		}
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	m.refreshLogs()
	return m, nil
}

func (m BuildModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	buf := m.src.Logs()
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "f":
		m.level = nextLevel(m.level)
	case "up", "k":
		buf.Scroll(-1, m.level, m.logView.Height)
	case "down", "j":
		buf.Scroll(1, m.level, m.logView.Height)
	case "pgup":
		buf.Scroll(-m.logView.Height, m.level, m.logView.Height)
	case "pgdown":
		buf.Scroll(m.logView.Height, m.level, m.logView.Height)
	case "end", "G":
		buf.SetAutoScroll(true)
	case "a":
		buf.SetAutoScroll(!buf.AutoScroll())
	case "c":
		if m.busy || !m.cancelable() {
			return m, nil
		}
		m.busy = true
		m.message = "canceling…"
		return m, m.cancelCmd()
	case "r":
		if m.busy || !m.finished() {
			return m, nil
		}
		m.busy = true
		m.message = "restarting…"
		return m, m.restartCmd()
	}
	m.refreshLogs()
	return m, nil
}

func (m BuildModel) cancelable() bool {
	b, ok := m.src.Build()
	return ok && (b.Status == model.BuildQueued || b.Status == model.BuildRunning)
}

func (m BuildModel) finished() bool {
	b, ok := m.src.Build()
	return ok && b.Status.Terminal()
}

func (m BuildModel) cancelCmd() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := src.Cancel(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "cancel requested"}
	}
}

func (m BuildModel) restartCmd() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		id, err := src.Restart(ctx)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "restarted as " + id, next: id}
	}
}

func nextLevel(l logs.Level) logs.Level {
	for i, lv := range levels {
		if lv == l {
			return levels[(i+1)%len(levels)]
		}
	}
	return logs.All
}

func (m *BuildModel) refreshLogs() {
	lines := m.src.Logs().Window(m.level, m.logView.Height)
	m.logView.SetContent(strings.Join(lines, "\n"))
}

// chromeHeight is everything around the log panel: header box, progress
// line, steps, panel border and footer.
func (m BuildModel) chromeHeight() int {
	b, _ := m.src.Build()
	return 4 + 1 + len(b.Steps) + 2 + 2
}

func (m BuildModel) View() string {
	b, ok := m.src.Build()
	if !ok {
		return m.theme.muted.Render(fmt.Sprintf("waiting for build %s…", m.src.BuildID())) + "\n" + m.footer()
	}

	header := m.theme.header.Render(
		m.theme.title.Render("Build "+b.ID) + "  " + m.theme.statusText(string(b.Status)) + "\n" +
			m.theme.muted.Render(fmt.Sprintf("%s @ %s  %s", b.Branch, shortSHA(b.Commit.SHA), b.Commit.Message)),
	)

	barWidth := max(10, m.width-20)
	progress := m.theme.progressBar(m.src.Progress(), barWidth) + "  " + formatElapsed(m.src.Elapsed())

	var steps strings.Builder
	for _, s := range b.Steps {
		fmt.Fprintf(&steps, " %s %s %s\n", stepIcons[s.Status], s.Name, m.theme.statusText(string(s.Status)))
	}

	title := fmt.Sprintf("logs [%s]", m.level)
	if !m.src.Logs().AutoScroll() {
		title += " (paused)"
	}
	logPanel := m.theme.panel.Render(m.theme.title.Render(title) + "\n" + m.logView.View())

	parts := []string{header, progress, strings.TrimRight(steps.String(), "\n"), logPanel}
	if b.Error != "" {
		parts = append(parts, m.theme.errText.Render(b.Error))
	}
	parts = append(parts, m.footer())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m BuildModel) footer() string {
	var bits []string
	if m.status.Connected != nil {
		if m.status.Connected() {
			bits = append(bits, "● live")
		} else {
			bits = append(bits, "○ disconnected")
		}
	}
	if m.src.Polling() {
		bits = append(bits, "polling")
	}
	if err := m.src.FetchError(); err != nil {
		bits = append(bits, m.theme.errText.Render("refresh failed: "+err.Error()))
	}
	if m.status.Unread != nil {
		if n := m.status.Unread(); n > 0 {
			bits = append(bits, fmt.Sprintf("%d unread", n))
		}
	}
	bits = append(bits, "f filter · ↑↓ scroll · end follow · c cancel · r restart · q quit")
	line := m.theme.footer.Render(strings.Join(bits, " │ "))
	if m.errorMsg != "" {
		return m.theme.errText.Render(m.errorMsg) + "\n" + line
	}
	if m.message != "" {
		return m.theme.muted.Render(m.message) + "\n" + line
	}
	return line
}
