// Package cancel stops the tracked job: SIGTERM first, then SIGKILL once a
// grace period has passed.
package cancel

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/stemdeck/internal/log"
)

//go:generate mockgen -destination=mocks/mock_target.go -package=mocks github.com/mattjoyce/stemdeck/internal/cancel Target

// DefaultGrace is the time between the termination request and the forced kill.
const DefaultGrace = 3 * time.Second

// MsgNoActiveProcess is reported when there is nothing to cancel.
const MsgNoActiveProcess = "no active process"

// Target is the cancellable handle of a running job.
type Target interface {
	ID() string
	// Detach stops progress delivery; nothing is delivered once it returns.
	Detach()
	// MarkCancelled makes the eventual exit resolve as cancelled. It returns
	// false when the job already resolved.
	MarkCancelled() bool
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

// Registry exposes the currently tracked job. Busy reports a job that holds
// the registry but has no handle yet because it is still starting.
type Registry interface {
	Current() (Target, bool)
	Busy() bool
}

// Timer is the part of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// Clock schedules the escalation timer.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Result is the synchronous answer to a cancel request.
type Result struct {
	OK               bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	JobID            string `json:"job_id,omitempty"`
	AlreadyRequested bool   `json:"already_requested,omitempty"`
	// Pending means the job was still starting; it is cancelled once it runs.
	Pending bool `json:"pending,omitempty"`
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Grace  time.Duration
	Clock  Clock
	Logger *slog.Logger
	// OnAccepted runs once a new cancellation is accepted, before the job is
	// signalled, so it is observed before the exit it causes.
	OnAccepted func(jobID string)
}

// Controller runs the cancellation state machine for the job held in a Registry.
type Controller struct {
	reg        Registry
	grace      time.Duration
	clock      Clock
	logger     *slog.Logger
	onAccepted func(string)

	mu       sync.Mutex
	inflight map[string]*state
	pending  bool
}

// state exists only while a cancellation is in flight.
type state struct {
	forced bool
	exited bool
	timer  Timer
}

func NewController(reg Registry, opts Options) *Controller {
	c := &Controller{
		reg:        reg,
		grace:      opts.Grace,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onAccepted: opts.OnAccepted,
		inflight:   make(map[string]*state),
	}
	if c.grace <= 0 {
		c.grace = DefaultGrace
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = log.WithComponent("cancel")
	}
	return c
}

// Cancel requests termination of the tracked job. A request for a job that is
// already being cancelled is acknowledged without sending new signals. A
// request for a job that is still starting is queued and applied by Started.
func (c *Controller) Cancel() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.reg.Current()
	if !ok {
		if c.reg.Busy() {
			c.pending = true
			c.logger.Info("cancel requested while job is starting")
			return Result{OK: true, Pending: true}
		}
		return Result{Error: MsgNoActiveProcess}
	}
	return c.cancelLocked(target)
}

// Started runs bind, which publishes the new job's handle to the registry,
// and applies a cancel queued while the job was starting.
func (c *Controller) Started(bind func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bind()
	if !c.pending {
		return
	}
	c.pending = false
	if target, ok := c.reg.Current(); ok {
		c.cancelLocked(target)
	}
}

// Abandon runs release for a job that never started and drops any cancel
// queued for it.
func (c *Controller) Abandon(release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	release()
	c.pending = false
}

// Settle returns once any cancel request being processed has run OnAccepted.
// Call it before publishing a job's terminal result.
func (c *Controller) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
}

func (c *Controller) cancelLocked(target Target) Result {
	id := target.ID()
	logger := c.logger.With("job_id", id)

	if _, busy := c.inflight[id]; busy {
		logger.Debug("cancel already in progress")
		return Result{OK: true, JobID: id, AlreadyRequested: true}
	}
	if !target.MarkCancelled() {
		logger.Debug("job resolved before cancel")
		return Result{Error: MsgNoActiveProcess}
	}

	st := &state{}
	c.inflight[id] = st
	target.Detach()
	if c.onAccepted != nil {
		c.onAccepted(id)
	}
	if err := target.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("failed to send SIGTERM", "error", err)
	}
	st.timer = c.clock.AfterFunc(c.grace, func() { c.escalate(id, target) })

	logger.Info("cancellation requested", "grace", c.grace)
	go c.await(id, target, st)
	return Result{OK: true, JobID: id}
}

// InFlight reports how many cancellations are waiting for their job to exit.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Controller) await(id string, target Target, st *state) {
	<-target.Done()

	c.mu.Lock()
	st.exited = true
	stopped := st.timer != nil && st.timer.Stop()
	if c.inflight[id] == st {
		delete(c.inflight, id)
	}
	forced := st.forced
	c.mu.Unlock()

	c.logger.Info("cancelled job exited", "job_id", id, "forced", forced, "timer_stopped", stopped)
}

func (c *Controller) escalate(id string, target Target) {
	c.mu.Lock()
	st, ok := c.inflight[id]
	if !ok || st.exited || st.forced {
		c.mu.Unlock()
		return
	}
	st.forced = true
	c.mu.Unlock()

	c.logger.Warn("job did not exit after SIGTERM, sending SIGKILL", "job_id", id, "grace", c.grace)
	if err := target.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Error("failed to send SIGKILL", "job_id", id, "error", err)
	}
}
