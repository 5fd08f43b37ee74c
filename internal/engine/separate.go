package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/jobslot"
	"github.com/mattjoyce/stemdeck/internal/protocol"
	"github.com/mattjoyce/stemdeck/internal/runner"
)

const (
	// DefaultSeparationFormat is used when a request names no format.
	DefaultSeparationFormat = "mp3"

	MsgSeparationCancelled = "Separation was cancelled"
	MsgSeparationBusy      = "a separation job is already running"
)

// SeparateRequest holds the separate_audio parameters.
type SeparateRequest struct {
	InputPath string `json:"input_path"`
	OutputDir string `json:"output_dir"`
	Format    string `json:"format,omitempty"`
}

// SeparateAudio splits an audio file into stems. The job is tracked so that
// CancelSeparation can reach it; a second request while one is tracked is rejected.
func (s *Service) SeparateAudio(ctx context.Context, req SeparateRequest) protocol.BoundaryResult {
	if res, ok := requireFields(field{"input_path", req.InputPath}, field{"output_dir", req.OutputDir}); !ok {
		return res
	}
	if req.Format == "" {
		req.Format = DefaultSeparationFormat
	}

	if _, err := os.Stat(req.InputPath); err != nil {
		s.logger.Info("audio file does not exist", "path", req.InputPath)
		return protocol.Failure("Audio file not found: " + req.InputPath)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return protocol.Failure(fmt.Sprintf("create output directory: %v", err))
	}

	claim, err := s.slot.Claim()
	if err != nil {
		active, _ := s.ActiveJob()
		s.logger.Warn("separation rejected", "error", err, "active_job", active)
		if errors.Is(err, jobslot.ErrBusy) {
			return protocol.Failure(MsgSeparationBusy)
		}
		return protocol.Failure(err.Error())
	}
	defer claim.Release()

	jctx, release := s.jobContext(ctx)
	defer release()

	args := []string{req.InputPath, req.Format, req.OutputDir}
	inv := runner.Invocation{
		ID:      uuid.New().String(),
		Command: protocol.CmdSeparateAudio,
		Args:    args,
	}
	inv.OnProgress = s.fwd.ProgressFunc(events.TopicSeparationProgress, inv.ID)

	s.logger.Info("starting separation", "job_id", inv.ID, "input", req.InputPath, "output_dir", req.OutputDir)
	started := time.Now().UTC()
	job, err := s.runner.Start(jctx, inv)
	if err != nil {
		o := runner.Failure(fmt.Sprintf("failed to start engine: %v", err))
		o.JobID, o.Command = inv.ID, inv.Command
		o.StartedAt, o.CompletedAt = started, time.Now().UTC()
		s.cancel.Abandon(claim.Release)
		res := toBoundary(o, "")
		s.complete(ctx, o, args, res)
		return res
	}
	s.cancel.Started(func() { claim.Bind(job) })

	<-job.Done()
	o := job.Outcome()
	claim.Release()
	// The cancellation acknowledgment, if any, precedes job.completed.
	s.cancel.Settle()

	res := toBoundary(o, MsgSeparationCancelled)
	if res.Success {
		deriveStems(&res, req)
	}
	s.complete(ctx, o, args, res)
	return res
}

// deriveStems fills in the stem paths when the engine's result omits them.
// The engine writes <output_dir>/<input base name>/{vocals,no_vocals}.wav.
func deriveStems(res *protocol.BoundaryResult, req SeparateRequest) {
	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	dir := filepath.Join(req.OutputDir, base)
	if res.Files == nil {
		res.Files = &protocol.Files{
			Vocals:       filepath.Join(dir, "vocals.wav"),
			Instrumental: filepath.Join(dir, "no_vocals.wav"),
		}
	}
	if res.Directory == "" {
		res.Directory = dir
	}
}
