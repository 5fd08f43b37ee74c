package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stemdeck/internal/api"
	"github.com/mattjoyce/stemdeck/internal/config"
	"github.com/mattjoyce/stemdeck/internal/dispatch"
	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/lock"
	"github.com/mattjoyce/stemdeck/internal/log"
	"github.com/mattjoyce/stemdeck/internal/runner"
	"github.com/mattjoyce/stemdeck/internal/storage"
)

// shutdownGrace bounds how long serve waits for background engine work.
const shutdownGrace = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API in the foreground",
		Long: `Start the HTTP API. Engine operations are exposed under /v1, progress and
results are streamed on /v1/events and every finished job is written to the
SQLite job log.

Only one server may own a state directory at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String(FlagListen, "", "Listen address (host:port)")
	cmd.Flags().Duration(FlagCancelGrace, 0, "Time between SIGTERM and SIGKILL on cancel")
	bindFlags(a.v, cmd.Flags())
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	setupLogging(cfg)
	logger := log.WithComponent("main")
	logger.Info("stemdeck starting", "version", version, "engine_mode", cfg.Engine.Mode, "listen", cfg.API.Listen)

	if err := config.VerifyEngineChecksum(cfg.Engine); err != nil {
		return err
	}

	lockPath := cfg.State.LockPath()
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("another instance may be running: %w", err)
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer db.Close()

	jobs := joblog.New(db)
	if cfg.Service.JobLogRetention > 0 {
		n, err := jobs.Prune(ctx, cfg.Service.JobLogRetention)
		if err != nil {
			logger.Warn("job log prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned job log", "removed", n, "retention", cfg.Service.JobLogRetention.String())
		}
	}

	hub := events.NewHub(events.DefaultCapacity)
	svc := engine.New(engine.Options{
		Runner: runner.New(
			dispatch.New(cfg.Engine),
			runner.WithMaxOutput(cfg.Engine.MaxOutputBytes),
		),
		Events:             events.NewForwarder(hub),
		Recorder:           jobs,
		DefaultDownloadDir: cfg.Settings.DownloadDir,
		CancelGrace:        cfg.Engine.CancelGrace,
	})

	srv := api.New(api.Config{
		Listen:     cfg.API.Listen,
		APIKey:     cfg.API.APIKey,
		EngineMode: cfg.Engine.Mode,
	}, svc, jobs, hub, log.WithComponent("api"))

	err = srv.Start(ctx)

	waitCtx, cancelWait := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelWait()
	if werr := svc.Wait(waitCtx); werr != nil {
		logger.Warn("background work still running at shutdown", "error", werr)
	}
	svc.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stemdeck stopped")
	return nil
}
