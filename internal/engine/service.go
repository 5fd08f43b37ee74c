// Package engine exposes the engine commands as operations that always
// return the uniform boundary result.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/jobslot"
	"github.com/mattjoyce/stemdeck/internal/log"
	"github.com/mattjoyce/stemdeck/internal/protocol"
	"github.com/mattjoyce/stemdeck/internal/runner"
)

// Recorder stores finished invocations.
type Recorder interface {
	Record(ctx context.Context, e joblog.Entry) (string, error)
}

// Options wires a Service. Runner is required.
type Options struct {
	Runner *runner.Runner
	Events *events.Forwarder
	// Recorder is optional; without it nothing is persisted.
	Recorder Recorder
	// DefaultDownloadDir is reported by GetSettings when the engine cannot answer.
	DefaultDownloadDir string
	CancelGrace        time.Duration
	Clock              cancel.Clock
	Logger             *slog.Logger
}

// Service runs engine commands. At most one separation is tracked at a time.
type Service struct {
	runner     *runner.Runner
	fwd        *events.Forwarder
	rec        Recorder
	defaultDir string
	logger     *slog.Logger

	slot   jobslot.Slot[cancel.Target]
	cancel *cancel.Controller

	base context.Context
	stop context.CancelFunc
	bg   sync.WaitGroup
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("engine")
	}
	fwd := opts.Events
	if fwd == nil {
		fwd = events.NewForwarder(events.NewHub(0))
	}
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		runner:     opts.Runner,
		fwd:        fwd,
		rec:        opts.Recorder,
		defaultDir: opts.DefaultDownloadDir,
		logger:     logger,
		base:       base,
		stop:       stop,
	}
	s.cancel = cancel.NewController(&s.slot, cancel.Options{
		Grace:      opts.CancelGrace,
		Clock:      opts.Clock,
		OnAccepted: s.fwd.Cancelled,
	})
	return s
}

// ValidateURL asks the engine whether url is downloadable.
func (s *Service) ValidateURL(ctx context.Context, url string) protocol.BoundaryResult {
	if strings.TrimSpace(url) == "" {
		return missing("url")
	}
	res := s.execute(ctx, protocol.CmdValidateURL, []string{url}, "")
	if res.Success {
		s.logger.Info("url validated", "title", res.Title)
	} else {
		s.logger.Info("url validation failed", "error", res.Error)
	}
	return res
}

// GetSettings returns the engine's persisted settings. When the engine
// fails, the configured default download directory is reported alongside the error.
func (s *Service) GetSettings(ctx context.Context) protocol.BoundaryResult {
	res := s.execute(ctx, protocol.CmdGetSettings, nil, "")
	if !res.Success || res.DownloadPath == "" {
		if !res.Success {
			s.logger.Warn("get_settings failed, using default download path", "error", res.Error, "path", s.defaultDir)
		}
		res.DownloadPath = s.defaultDir
	}
	return res
}

// SaveSettings persists path as the download directory.
func (s *Service) SaveSettings(ctx context.Context, path string) protocol.BoundaryResult {
	if strings.TrimSpace(path) == "" {
		return missing("download_path")
	}
	return s.execute(ctx, protocol.CmdSaveSettings, []string{path}, "")
}

// DownloadRequest holds the download_audio parameters.
type DownloadRequest struct {
	URL       string `json:"url"`
	OutputDir string `json:"output_dir"`
	Format    string `json:"format"`
	Quality   string `json:"quality"`
}

// DownloadAudio fetches audio with progress forwarded on the download topic.
// On success the output directory is saved as the new default in the background.
func (s *Service) DownloadAudio(ctx context.Context, req DownloadRequest) protocol.BoundaryResult {
	if res, ok := requireFields(
		field{"url", req.URL},
		field{"output_dir", req.OutputDir},
		field{"format", req.Format},
		field{"quality", req.Quality},
	); !ok {
		return res
	}

	s.logger.Info("starting download", "url", req.URL, "format", req.Format, "quality", req.Quality, "output_dir", req.OutputDir)
	res := s.execute(ctx, protocol.CmdDownloadAudio,
		[]string{req.URL, req.OutputDir, req.Format, req.Quality},
		events.TopicDownloadProgress)

	if res.Success {
		s.background(func(ctx context.Context) {
			if r := s.SaveSettings(ctx, req.OutputDir); !r.Success {
				s.logger.Warn("could not save download directory", "error", r.Error)
			}
		})
	}
	return res
}

// Run executes an arbitrary engine command. Its progress, if any, is
// published on events.TopicEngineProgress.
func (s *Service) Run(ctx context.Context, command string, args ...string) protocol.BoundaryResult {
	return s.execute(ctx, command, args, events.TopicEngineProgress)
}

// CancelSeparation cancels the tracked separation, if any.
func (s *Service) CancelSeparation() cancel.Result {
	return s.cancel.Cancel()
}

// ActiveJob reports the id of the tracked separation.
func (s *Service) ActiveJob() (string, bool) {
	t, ok := s.slot.Current()
	if !ok {
		return "", false
	}
	return t.ID(), true
}

// Close kills running engine processes and waits for background work.
func (s *Service) Close() {
	s.stop()
	s.bg.Wait()
}

// Wait blocks until background work such as settings saves has finished or
// ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs command to completion, publishes and records its result.
func (s *Service) execute(ctx context.Context, command string, args []string, progressTopic string) protocol.BoundaryResult {
	jctx, release := s.jobContext(ctx)
	defer release()

	inv := runner.Invocation{ID: uuid.New().String(), Command: command, Args: args}
	if progressTopic != "" {
		inv.OnProgress = s.fwd.ProgressFunc(progressTopic, inv.ID)
	}
	o := s.runner.Run(jctx, inv)
	res := toBoundary(o, "")
	s.complete(ctx, o, args, res)
	return res
}

// jobContext keeps a job running when the caller's context is cancelled
// (an HTTP client going away) but stops it when the service closes.
func (s *Service) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jctx, abort := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.base, abort)
	return jctx, func() {
		stop()
		abort()
	}
}

func (s *Service) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.base)
	}()
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) (protocol.BoundaryResult, bool) {
	var missingNames []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missingNames = append(missingNames, f.name)
		}
	}
	if len(missingNames) > 0 {
		return missing(missingNames...), false
	}
	return protocol.BoundaryResult{}, true
}

func missing(names ...string) protocol.BoundaryResult {
	return protocol.Failure("Missing required options: " + strings.Join(names, ", "))
}
