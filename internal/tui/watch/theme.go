// Package watch is the live terminal view of a stemdeck server: current job
// progress, recent history and the raw event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK        lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusCancelled lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle picks the color for a job log status.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return t.StatusOK
	case "failed":
		return t.StatusFailed
	case "cancelled":
		return t.StatusCancelled
	default:
		return t.StatusRunning
	}
}
