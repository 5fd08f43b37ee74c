package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stemdeck/internal/api"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/tui/watch"
)

const requestTimeout = 10 * time.Second

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String(FlagServer, "", "Server URL (default: from api.listen)")
	cmd.Flags().String(FlagAPIKey, "", "API key (default: api.api_key or $STEMDECK_API_API_KEY)")
}

// client builds an API client from flags, falling back to the config.
func (a *app) client(cmd *cobra.Command) (*api.Client, error) {
	server, _ := cmd.Flags().GetString(FlagServer)
	key, _ := cmd.Flags().GetString(FlagAPIKey)
	if server == "" || key == "" {
		cfg, err := a.loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if server == "" {
			server = serverURL(cfg.API.Listen)
		}
		if key == "" {
			key = cfg.API.APIKey
		}
	}
	return api.NewClient(server, key), nil
}

// serverURL turns a listen address into a URL a local client can dial.
func serverURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newCancelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running separation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			ctx, done := context.WithTimeout(cmd.Context(), requestTimeout)
			defer done()

			res, err := c.Cancel(ctx)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				if err := writeJSON(a.stdout, res); err != nil {
					return err
				}
			} else {
				switch {
				case !res.OK:
					fmt.Fprintf(a.stdout, "Not cancelled: %s\n", res.Error)
				case res.Pending:
					fmt.Fprintln(a.stdout, "Cancellation queued; the separation is still starting")
				case res.AlreadyRequested:
					fmt.Fprintf(a.stdout, "Cancellation of %s already in progress\n", res.JobID)
				default:
					fmt.Fprintf(a.stdout, "Cancellation requested for %s\n", res.JobID)
				}
			}
			if !res.OK {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool(FlagJSON, false, "Output the result as JSON")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and the active separation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			ctx, done := context.WithTimeout(cmd.Context(), requestTimeout)
			defer done()

			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return writeJSON(a.stdout, h)
			}
			active := h.ActiveJob
			if active == "" {
				active = "none"
			}
			fmt.Fprintf(a.stdout, "status: %s\nuptime: %s\nengine: %s\nseparating: %s\n",
				h.Status, time.Duration(h.UptimeSeconds)*time.Second, h.EngineMode, active)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool(FlagJSON, false, "Output as JSON")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "List recent jobs, or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			ctx, done := context.WithTimeout(cmd.Context(), requestTimeout)
			defer done()
			asJSON, _ := cmd.Flags().GetBool(FlagJSON)

			if len(args) == 1 {
				entry, err := c.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(a.stdout, entry)
			}

			limit, _ := cmd.Flags().GetInt(FlagLimit)
			command, _ := cmd.Flags().GetString(FlagCommand)
			status, _ := cmd.Flags().GetString(FlagStatus)
			jobs, err := c.Jobs(ctx, joblog.Filter{Command: command, Status: joblog.Status(status), Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, jobs)
			}
			printJobs(a, jobs)
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Int(FlagLimit, 20, "Maximum number of jobs")
	cmd.Flags().String(FlagCommand, "", "Only jobs for this engine command")
	cmd.Flags().String(FlagStatus, "", "Only jobs with this status (succeeded, failed, cancelled)")
	cmd.Flags().Bool(FlagJSON, false, "Output as JSON")
	return cmd
}

func printJobs(a *app, jobs []*joblog.Entry) {
	if len(jobs) == 0 {
		fmt.Fprintln(a.stdout, "No jobs recorded.")
		return
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tSTATUS\tDURATION\tFINISHED\tERROR")
	for _, j := range jobs {
		msg := ""
		if j.Error != nil {
			msg = firstLine(*j.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Command, j.Status,
			j.Duration().Round(time.Millisecond),
			j.CompletedAt.Local().Format(time.DateTime),
			msg)
	}
	_ = tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of progress, cancellations and recent jobs",
		Long: `Open a terminal view of the running server. Press c to cancel the
running separation and q to quit.

With --follow the raw event stream is printed line by line instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			if follow, _ := cmd.Flags().GetBool(FlagFollow); follow {
				return followEvents(cmd.Context(), a, c)
			}
			p := tea.NewProgram(watch.New(c), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolP(FlagFollow, "f", false, "Print events as lines instead of the TUI")
	return cmd
}

// followEvents prints events until interrupted, reconnecting after drops.
func followEvents(parent context.Context, a *app, c *api.Client) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last int64
	for {
		var err error
		last, err = c.Stream(ctx, last, func(ev events.Event) error {
			_, werr := fmt.Fprintf(a.stdout, "%d %s %s\n", ev.ID, ev.Type, ev.Data)
			return werr
		})
		if ctx.Err() != nil {
			return nil
		}
		var se *api.StatusError
		if errors.As(err, &se) {
			return err
		}
		fmt.Fprintf(a.stderr, "event stream dropped (%v), reconnecting...\n", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}
