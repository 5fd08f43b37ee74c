package events

import (
	"log/slog"

	"github.com/mattjoyce/stemdeck/internal/log"
	"github.com/mattjoyce/stemdeck/internal/protocol"
)

// Topics published by the Forwarder.
const (
	TopicDownloadProgress    = "download.progress"
	TopicSeparationProgress  = "separation.progress"
	TopicSeparationCancelled = "separation.cancelled"
	TopicJobCompleted        = "job.completed"
	// TopicEngineProgress carries progress of commands started through Run.
	TopicEngineProgress = "engine.progress"
)

// Publisher is the sink the Forwarder writes to. *Hub implements it.
type Publisher interface {
	Publish(eventType string, data any) Event
}

// ProgressEvent is the payload of the progress topics.
type ProgressEvent struct {
	JobID string `json:"job_id"`
	protocol.Progress
}

// CompletedEvent is the payload of TopicJobCompleted.
type CompletedEvent struct {
	JobID   string                  `json:"job_id"`
	Command string                  `json:"command"`
	Result  protocol.BoundaryResult `json:"result"`
}

// CancelledEvent is the payload of TopicSeparationCancelled.
type CancelledEvent struct {
	JobID string `json:"job_id"`
}

// Forwarder sanitizes engine progress and delivers it, along with terminal
// results, to a Publisher.
type Forwarder struct {
	pub    Publisher
	logger *slog.Logger
}

func NewForwarder(pub Publisher) *Forwarder {
	return &Forwarder{pub: pub, logger: log.WithComponent("events")}
}

// Progress sanitizes raw and publishes it on topic. Only status, percent,
// speed and eta survive.
func (f *Forwarder) Progress(topic, jobID string, raw map[string]any) protocol.Progress {
	p := protocol.SanitizeProgress(raw)
	f.pub.Publish(topic, ProgressEvent{JobID: jobID, Progress: p})
	return p
}

// ProgressFunc returns a callback suitable for runner.Invocation.OnProgress.
func (f *Forwarder) ProgressFunc(topic, jobID string) func(map[string]any) {
	return func(raw map[string]any) {
		f.Progress(topic, jobID, raw)
	}
}

// Completed publishes the terminal result of a job.
func (f *Forwarder) Completed(jobID, command string, r protocol.BoundaryResult) {
	ev := f.pub.Publish(TopicJobCompleted, CompletedEvent{JobID: jobID, Command: command, Result: r})
	f.logger.Debug("published completion", "event_id", ev.ID, "job_id", jobID, "success", r.Success)
}

// Cancelled publishes the acknowledgment that a cancellation was accepted.
func (f *Forwarder) Cancelled(jobID string) {
	f.pub.Publish(TopicSeparationCancelled, CancelledEvent{JobID: jobID})
}
