package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stemdeck/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TopicJobCompleted:
		typeStyle = theme.StatusOK
	case events.TopicSeparationCancelled:
		typeStyle = theme.StatusCancelled
	case events.TopicDownloadProgress, events.TopicSeparationProgress:
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(jobID)))
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if pct, ok := data["percent"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0f%%", pct))
	}
	if cmd, ok := data["command"].(string); ok {
		parts = append(parts, cmd)
	}
	if res, ok := data["result"].(map[string]any); ok {
		if ok, _ := res["success"].(bool); ok {
			parts = append(parts, "ok")
		} else if msg, _ := res["error"].(string); msg != "" {
			parts = append(parts, msg)
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
