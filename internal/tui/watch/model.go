package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stemdeck/internal/api"
	"github.com/mattjoyce/stemdeck/internal/events"
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *api.Client

	width  int
	height int

	health   HealthState
	job      *JobState
	eventLog []events.Event
	history  table.Model
	bar      progress.Model
	spinner  Spinner
	theme    Theme
	now      func() time.Time

	hubEvents chan events.Event
	lastID    int64

	lastError string
	notice    string
}

// New creates a watch model reading from client.
func New(client *api.Client) *Model {
	return &Model{
		client:    client,
		eventLog:  make([]events.Event, 0, eventLogSize),
		history:   newHistoryTable(),
		bar:       progress.New(progress.WithDefaultGradient()),
		theme:     NewDefaultTheme(),
		now:       time.Now,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.client) },
		func() tea.Msg { return fetchHistory(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.health.ActiveJob == "" && (m.job == nil || m.job.Finished) {
				m.notice = "nothing to cancel"
				return m, nil
			}
			m.notice = "cancel requested"
			return m, requestCancel(m.client)
		case "r":
			return m, func() tea.Msg { return fetchHistory(m.client) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID = e.ID

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent(m.now())
		m.job = applyEvent(m.job, e)
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if e.Type == events.TopicJobCompleted {
			cmds = append(cmds,
				func() tea.Msg { return fetchHistory(m.client) },
				func() tea.Msg { return fetchHealth(m.client) },
			)
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.EngineMode = msg.EngineMode
		m.health.ActiveJob = msg.ActiveJob
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)
		})

	case historyMsg:
		m.history.SetRows(historyRowsFor(msg))

	case cancelMsg:
		switch {
		case !msg.OK:
			m.notice = "cancel: " + msg.Error
		case msg.Pending:
			m.notice = "cancel queued, separation starting"
		case msg.AlreadyRequested:
			m.notice = "cancel already in progress"
		default:
			m.notice = "cancel accepted for " + shortID(msg.JobID)
		}

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastID = max(m.lastID, msg.lastID)
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{lastID: m.lastID}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.client, msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.spinner, m.theme, m.width, m.now()),
		renderJob(m.job, m.bar, m.theme, m.width),
		renderHistory(m.history, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width, m.eventRows()),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [c] Cancel separation • [r] Refresh history"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// eventRows fits the event box into whatever height the other panels leave.
func (m Model) eventRows() int {
	const fixed = 5 + 7 + historyRows + 4 + 6
	return min(max(m.height-fixed, 3), 15)
}
