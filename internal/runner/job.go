package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/stemdeck/internal/protocol"
)

// Job is the handle to a running engine process.
type Job struct {
	id        string
	command   string
	cmd       *exec.Cmd
	logger    *slog.Logger
	startedAt time.Time

	stdout *cappedBuffer
	stderr *tailBuffer
	lines  *lineWriter

	progressMu sync.Mutex
	onProgress func(map[string]any)
	detached   bool

	mu        sync.Mutex
	resolved  bool
	cancelled bool
	abortErr  error
	outcome   Outcome
	done      chan struct{}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Command returns the engine command this job runs.
func (j *Job) Command() string { return j.command }

// Pid returns the engine process id.
func (j *Job) Pid() int {
	if j.cmd.Process == nil {
		return 0
	}
	return j.cmd.Process.Pid
}

// Done is closed once the outcome has resolved.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome returns the terminal outcome. It is only meaningful after Done is closed.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Detach stops further progress callbacks. When Detach returns no callback is
// running and none will run again.
func (j *Job) Detach() {
	j.progressMu.Lock()
	j.detached = true
	j.progressMu.Unlock()
}

// MarkCancelled flags the job so that its exit resolves as cancelled. It
// returns false when the outcome has already resolved.
func (j *Job) MarkCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return false
	}
	j.cancelled = true
	return true
}

// Terminate asks the engine to exit (SIGTERM to its process group on Unix).
func (j *Job) Terminate() error {
	if j.finished() {
		return os.ErrProcessDone
	}
	return terminate(j.cmd.Process)
}

// Kill forcibly stops the engine (SIGKILL to its process group on Unix).
func (j *Job) Kill() error {
	if j.finished() {
		return os.ErrProcessDone
	}
	return kill(j.cmd.Process)
}

func (j *Job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// handleStderrLine runs on the single goroutine os/exec uses to copy stderr,
// so progress is delivered in emission order.
func (j *Job) handleStderrLine(line string) {
	payload, isProgress, err := protocol.ParseProgressLine(line)
	if !isProgress {
		j.logger.Debug("engine stderr", "line", line)
		j.stderr.WriteLine(line)
		return
	}
	if err != nil {
		j.logger.Warn("dropping malformed progress line", "error", err)
		return
	}

	j.progressMu.Lock()
	defer j.progressMu.Unlock()
	if j.detached || j.onProgress == nil {
		return
	}
	j.onProgress(payload)
}

func (j *Job) supervise(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			j.abortErr = ctx.Err()
			j.mu.Unlock()
			j.logger.Warn("context done, killing engine", "error", ctx.Err())
			if err := kill(j.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
				j.logger.Error("failed to kill engine", "error", err)
			}
		case <-stop:
		}
	}()

	// Wait returns only after the stderr copy has finished, so every progress
	// callback has already run.
	waitErr := j.cmd.Wait()
	j.lines.Flush()
	j.finish(j.buildOutcome(waitErr))
}

func (j *Job) buildOutcome(waitErr error) Outcome {
	o := Outcome{
		JobID:     j.id,
		Command:   j.command,
		ExitCode:  -1,
		Stderr:    strings.TrimSpace(j.stderr.String()),
		StartedAt: j.startedAt,
	}
	if ps := j.cmd.ProcessState; ps != nil {
		o.ExitCode = ps.ExitCode()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		o.Kind = KindFailure
		o.Message = fmt.Sprintf("wait for engine: %v", waitErr)
		return o
	}

	j.mu.Lock()
	abortErr := j.abortErr
	j.mu.Unlock()

	switch {
	case abortErr != nil && o.ExitCode != 0:
		o.Kind = KindFailure
		o.Message = fmt.Sprintf("engine aborted: %v", abortErr)
	case o.ExitCode < 0:
		o.Kind = KindFailure
		o.Message = withStderr("engine terminated by signal", o.Stderr)
	case o.ExitCode != 0:
		o.Kind = KindFailure
		o.Message = withStderr(fmt.Sprintf("engine exited with code %d", o.ExitCode), o.Stderr)
	default:
		payload, err := protocol.ExtractResult(j.stdout.Bytes())
		if err != nil {
			j.logger.Warn("engine output had no result", "error", err, "truncated", j.stdout.Truncated())
			o.Kind = KindFailure
			o.Message = MsgNoResult
			return o
		}
		o.Kind = KindSuccess
		o.Payload = payload
	}
	return o
}

func withStderr(msg, stderr string) string {
	if stderr == "" {
		return msg
	}
	return msg + ": " + stderr
}

// finish resolves the job. Only the first call has any effect.
func (j *Job) finish(o Outcome) {
	j.mu.Lock()
	if j.resolved {
		j.mu.Unlock()
		return
	}
	j.resolved = true
	if j.cancelled {
		o.Kind = KindCancelled
		o.Message = MsgCancelled
		o.Payload = nil
	}
	o.CompletedAt = time.Now().UTC()
	j.outcome = o
	j.mu.Unlock()

	j.logger.Info("engine finished",
		"kind", o.Kind,
		"exit_code", o.ExitCode,
		"duration", o.CompletedAt.Sub(o.StartedAt),
	)
	close(j.done)
}
