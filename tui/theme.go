// Package tui renders build views in the terminal with bubbletea.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"gobuild/monitor/shared/model"
)

type theme struct {
	header   lipgloss.Style
	title    lipgloss.Style
	panel    lipgloss.Style
	footer   lipgloss.Style
	muted    lipgloss.Style
	errText  lipgloss.Style
	barFull  lipgloss.Style
	barEmpty lipgloss.Style
	selected lipgloss.Style
	status   map[string]lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	amber := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		title: lipgloss.NewStyle().Foreground(mint).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue),
		footer:   lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		muted:    lipgloss.NewStyle().Foreground(muted),
		errText:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		barFull:  lipgloss.NewStyle().Foreground(mint),
		barEmpty: lipgloss.NewStyle().Foreground(muted),
		selected: lipgloss.NewStyle().Foreground(blue).Bold(true),
		status: map[string]lipgloss.Style{
			string(model.BuildQueued):   lipgloss.NewStyle().Foreground(muted),
			string(model.BuildRunning):  lipgloss.NewStyle().Foreground(blue).Bold(true),
			string(model.BuildSuccess):  lipgloss.NewStyle().Foreground(mint).Bold(true),
			string(model.BuildFailed):   lipgloss.NewStyle().Foreground(pink).Bold(true),
			string(model.BuildCanceled): lipgloss.NewStyle().Foreground(amber),
			string(model.StepSkipped):   lipgloss.NewStyle().Foreground(muted).Italic(true),
		},
	}
}

func (t theme) statusText(s string) string {
	if s == "" {
		s = "unknown"
	}
	style, ok := t.status[s]
	if !ok {
		return s
	}
	return style.Render(s)
}

func (t theme) progressBar(percent, width int) string {
	if width < 10 {
		width = 10
	}
	filled := width * percent / 100
	return t.barFull.Render(strings.Repeat("█", filled)) +
		t.barEmpty.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", percent)
}

var stepIcons = map[model.StepStatus]string{
	model.StepQueued:  "·",
	model.StepRunning: "▶",
	model.StepSuccess: "✓",
	model.StepFailed:  "✗",
	model.StepSkipped: "↷",
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
