package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stemdeck/internal/config"
	"github.com/mattjoyce/stemdeck/internal/dispatch"
	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/runner"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <command> [params...]",
		Short: "Run one engine command locally and print its result",
		Long: `Run one engine command without a server, e.g.

  stemdeck run validate_url https://example.com/watch?v=1
  stemdeck run separate_audio ./song.mp3 mp3 ./stems

Progress goes to stderr, the result JSON to stdout. The exit status is 1
when the result reports failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			quiet, _ := cmd.Flags().GetBool("quiet")
			progress := a.stderr
			if quiet {
				progress = io.Discard
			}
			ok, err := runLocal(cmd.Context(), cfg, args[0], args[1:], a.stdout, progress)
			if err != nil {
				return err
			}
			if !ok {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	return cmd
}

// runLocal runs command through an in-process engine service. Interrupts
// abort the engine process.
func runLocal(ctx context.Context, cfg *config.Config, command string, params []string, stdout, progress io.Writer) (bool, error) {
	setupLogging(cfg)
	if err := config.VerifyEngineChecksum(cfg.Engine); err != nil {
		return false, err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(events.DefaultCapacity)
	svc := engine.New(engine.Options{
		Runner: runner.New(
			dispatch.New(cfg.Engine),
			runner.WithMaxOutput(cfg.Engine.MaxOutputBytes),
		),
		Events:             events.NewForwarder(hub),
		DefaultDownloadDir: cfg.Settings.DownloadDir,
		CancelGrace:        cfg.Engine.CancelGrace,
	})
	defer svc.Close()
	abort := context.AfterFunc(ctx, svc.Close)
	defer abort()

	ch, unsubscribe := hub.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ch {
			printProgress(progress, ev)
		}
	}()

	res := svc.Run(ctx, command, params...)
	unsubscribe()
	<-printed

	if err := writeJSON(stdout, res); err != nil {
		return false, err
	}
	return res.Success, nil
}

func printProgress(w io.Writer, ev events.Event) {
	if ev.Type != events.TopicEngineProgress {
		return
	}
	var p events.ProgressEvent
	if json.Unmarshal(ev.Data, &p) != nil {
		return
	}
	fmt.Fprintf(w, "%5.1f%% %s\n", p.Percent, p.Status)
}
