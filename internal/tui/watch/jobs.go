package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
)

const historyRows = 8

// JobState is the live view of the job currently reporting progress.
type JobState struct {
	ID        string
	Kind      string // download | separation
	Status    string
	Percent   float64
	Speed     float64
	ETA       float64
	StartedAt time.Time
	UpdatedAt time.Time

	// Set once a completion or cancellation arrives.
	Finished        bool
	Outcome         string
	Message         string
	CancelRequested bool
}

// applyEvent folds one hub event into the current job. It returns the job
// to display, which may be a new one.
func applyEvent(cur *JobState, e events.Event) *JobState {
	switch e.Type {
	case events.TopicDownloadProgress, events.TopicSeparationProgress:
		var p events.ProgressEvent
		if json.Unmarshal(e.Data, &p) != nil {
			return cur
		}
		if cur == nil || cur.ID != p.JobID {
			cur = &JobState{ID: p.JobID, Kind: kindOf(e.Type), StartedAt: e.At}
		}
		cur.Status = p.Status
		cur.Percent = p.Percent
		cur.Speed = p.Speed
		cur.ETA = p.ETA
		cur.UpdatedAt = e.At

	case events.TopicSeparationCancelled:
		var c events.CancelledEvent
		if json.Unmarshal(e.Data, &c) != nil {
			return cur
		}
		if cur != nil && cur.ID == c.JobID {
			cur.CancelRequested = true
		}

	case events.TopicJobCompleted:
		var c events.CompletedEvent
		if json.Unmarshal(e.Data, &c) != nil {
			return cur
		}
		if cur == nil || cur.ID != c.JobID {
			cur = &JobState{ID: c.JobID, Kind: c.Command, StartedAt: e.At}
		}
		cur.Finished = true
		cur.UpdatedAt = e.At
		switch {
		case c.Result.Success:
			cur.Outcome = string(joblog.StatusSucceeded)
			cur.Percent = 100
		case c.Result.Cancelled:
			cur.Outcome = string(joblog.StatusCancelled)
			cur.Message = c.Result.Error
		default:
			cur.Outcome = string(joblog.StatusFailed)
			cur.Message = c.Result.Error
		}
	}
	return cur
}

func kindOf(topic string) string {
	kind, _, _ := strings.Cut(topic, ".")
	return kind
}

func renderJob(job *JobState, bar progress.Model, theme Theme, width int) string {
	innerWidth := width - 4

	if job == nil {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("CURRENT JOB"),
			theme.Dim.Render("  Idle"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	state := theme.StatusRunning.Render(strings.ToUpper(nonEmpty(job.Status, "running")))
	switch {
	case job.Finished:
		state = theme.statusStyle(job.Outcome).Render(strings.ToUpper(job.Outcome))
	case job.CancelRequested:
		state = theme.StatusCancelled.Render("CANCELLING")
	}

	title := fmt.Sprintf("%s %s %s", job.Kind, theme.Dim.Render(shortID(job.ID)), state)

	bar.Width = max(innerWidth-6, 10)
	lines := []string{
		theme.Title.Render("CURRENT JOB"),
		" " + title,
		" " + bar.ViewAs(job.Percent/100),
	}

	var stats []string
	if job.Speed > 0 {
		stats = append(stats, "speed "+formatBytes(job.Speed)+"/s")
	}
	if job.ETA > 0 && !job.Finished {
		stats = append(stats, "eta "+formatDuration(time.Duration(job.ETA)*time.Second))
	}
	if !job.StartedAt.IsZero() {
		stats = append(stats, "elapsed "+formatDuration(job.UpdatedAt.Sub(job.StartedAt)))
	}
	if len(stats) > 0 {
		lines = append(lines, " "+theme.Dim.Render(strings.Join(stats, "  ")))
	}
	if job.Message != "" {
		lines = append(lines, " "+theme.StatusFailed.Render(job.Message))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func newHistoryTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Command", Width: 16},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 10},
			{Title: "Finished", Width: 10},
		}),
		table.WithHeight(historyRows),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func historyRowsFor(entries []*joblog.Entry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{
			shortID(e.ID),
			e.Command,
			string(e.Status),
			formatDuration(e.Duration()),
			e.CompletedAt.Local().Format("15:04:05"),
		})
	}
	return rows
}

func renderHistory(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("RECENT JOBS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func formatBytes(n float64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%.0fB", n)
	}
	div, exp := float64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", n/div, "KMGTPE"[exp])
}
