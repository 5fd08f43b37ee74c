package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stemdeck/internal/api"
	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type historyMsg []*joblog.Entry

type cancelMsg cancel.Result

type tickMsg time.Time

type errMsg error

// sseDisconnectedMsg carries the last event id seen so the next
// subscription resumes after it.
type sseDisconnectedMsg struct{ lastID int64 }

type reconnectMsg struct{ lastID int64 }

// --- Commands ---

// subscribeToEvents streams events into ch until the connection drops.
func subscribeToEvents(c *api.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, _ := c.Stream(context.Background(), lastID, func(ev events.Event) error {
			ch <- ev
			return nil
		})
		return sseDisconnectedMsg{lastID: last}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *api.Client) tea.Msg {
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	h, err := c.Health(ctx)
	if err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func fetchHistory(c *api.Client) tea.Msg {
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	jobs, err := c.Jobs(ctx, joblog.Filter{Limit: historyRows})
	if err != nil {
		return errMsg(err)
	}
	return historyMsg(jobs)
}

func requestCancel(c *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		res, err := c.Cancel(ctx)
		if err != nil {
			return errMsg(err)
		}
		return cancelMsg(res)
	}
}
