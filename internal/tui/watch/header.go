package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	EngineMode    string
	ActiveJob     string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := " STEMDECK WATCH"
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	active := "none"
	if health.ActiveJob != "" {
		active = theme.Highlight.Render(shortID(health.ActiveJob))
	}
	statsLine := fmt.Sprintf(" %s  up %s  engine: %s  separating: %s",
		statusText, uptime, nonEmpty(health.EngineMode, "?"), active)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
