// Command stemdeck runs the audio engine control plane and talks to it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mattjoyce/stemdeck/internal/config"
	"github.com/mattjoyce/stemdeck/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	code := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	_ = log.Close()
	os.Exit(code)
}

// app carries per-invocation state shared by the subcommands.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

// loadConfig resolves the configuration from file, env and bound flags.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(FlagConfig)
	cfg, err := config.Load(a.v, path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging configures the global logger from cfg.
func setupLogging(cfg *config.Config) {
	log.Configure(log.Options{
		Level:      cfg.Service.LogLevel,
		Format:     cfg.Service.LogFormat,
		File:       cfg.Service.LogFile.Path,
		MaxSizeMB:  cfg.Service.LogFile.MaxSizeMB,
		MaxBackups: cfg.Service.LogFile.MaxBackups,
		MaxAgeDays: cfg.Service.LogFile.MaxAgeDays,
		Compress:   cfg.Service.LogFile.Compress,
	})
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// exitError ends a command with a specific status after the command has
// already reported the problem itself.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "stemdeck",
		Short: "Control plane for the stemdeck audio engine",
		Long: `stemdeck runs the external audio engine (download, stem separation) one
process per request, forwards its progress as events and keeps a job log.

Run 'stemdeck serve' to start the HTTP API; the other commands talk to it or
run the engine directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.String(FlagConfig, "", "Config file path (default: ./stemdeck.yaml or ~/.config/stemdeck/stemdeck.yaml)")
	pf.String(FlagLogLevel, "", "Log level: debug, info, warn, error")
	pf.String(FlagEngineMode, "", "Engine mode: script or binary")
	pf.String(FlagEngineBin, "", "Engine executable (binary mode)")
	pf.String(FlagEngineScr, "", "Engine entry script (script mode)")
	pf.String(FlagEngineRt, "", "Interpreter for the entry script")
	pf.String(FlagStatePath, "", "SQLite job log path")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
		newWatchCmd(a),
		newStatusCmd(a),
		newDoctorCmd(a),
		newConfigCmd(a),
		newEngineCmd(a),
		newVersionCmd(a),
	)

	bindFlags(a.v, root.PersistentFlags())
	return root
}

// bindFlags binds every flag listed in flagKeys onto its config key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
}

func currentVersionInfo() versionInfo {
	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "unknown" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "unknown" {
					info.BuildTime = s.Value
				}
			}
		}
	}
	return info
}

func newVersionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return writeJSON(a.stdout, info)
			}
			fmt.Fprintf(a.stdout, "stemdeck %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output version metadata as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
