// Package runner spawns and supervises one engine process per invocation.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stemdeck/internal/dispatch"
	"github.com/mattjoyce/stemdeck/internal/log"
)

const (
	// DefaultMaxOutput caps the stdout bytes kept for result extraction.
	DefaultMaxOutput = 1 << 20
	// maxStderr caps the non-progress stderr text kept for failure messages.
	maxStderr = 64 * 1024
	// maxLine bounds a single stderr line.
	maxLine = 1 << 20
	// waitDelay bounds how long Wait keeps reading pipes held open by
	// grandchildren after the engine itself exited.
	waitDelay = 2 * time.Second
)

// Resolver maps a logical command to a concrete executable and argv.
type Resolver interface {
	Resolve(command string, params ...string) dispatch.Target
}

// Runner starts engine processes.
type Runner struct {
	resolver  Resolver
	maxOutput int
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxOutput sets the stdout capture cap. Non-positive values keep the default.
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Runner.
func New(resolver Resolver, opts ...Option) *Runner {
	r := &Runner{
		resolver:  resolver,
		maxOutput: DefaultMaxOutput,
		logger:    log.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv and blocks the calling goroutine until its outcome resolves.
// A spawn failure is reported as a Failure outcome.
func (r *Runner) Run(ctx context.Context, inv Invocation) Outcome {
	job, err := r.Start(ctx, inv)
	if err != nil {
		o := Failure(fmt.Sprintf("failed to start engine: %v", err))
		o.JobID = inv.ID
		o.Command = inv.Command
		o.StartedAt = time.Now().UTC()
		o.CompletedAt = o.StartedAt
		return o
	}
	<-job.Done()
	return job.Outcome()
}

// Start spawns the engine for inv and returns immediately. The returned Job
// resolves when the process exits. Cancelling ctx kills the process.
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Job, error) {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	target := r.resolver.Resolve(inv.Command, inv.Args...)
	logger := r.logger.With("job_id", inv.ID, "command", inv.Command)

	// Not CommandContext: termination is managed by the job.
	cmd := exec.Command(target.Path, target.Args...)
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	j := &Job{
		id:         inv.ID,
		command:    inv.Command,
		cmd:        cmd,
		logger:     logger,
		onProgress: inv.OnProgress,
		stdout:     newCappedBuffer(r.maxOutput),
		stderr:     &tailBuffer{max: maxStderr},
		done:       make(chan struct{}),
	}
	j.lines = newLineWriter(maxLine, j.handleStderrLine)
	cmd.Stdout = j.stdout
	cmd.Stderr = j.lines

	logger.Debug("spawning engine", "target", target.String())
	if err := cmd.Start(); err != nil {
		logger.Warn("engine spawn failed", "error", err)
		return nil, fmt.Errorf("start %s: %w", target.Path, err)
	}
	j.startedAt = time.Now().UTC()
	logger.Info("engine started", "pid", cmd.Process.Pid)

	go j.supervise(ctx)
	return j, nil
}
