package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/mcp"
	"github.com/HyphaGroup/gatekeeper/internal/run"
	"github.com/HyphaGroup/gatekeeper/internal/transport"
)

// noSetup marks commands that run without config, store or driver.
const noSetup = "gatekeeper/no-setup"

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Drive an analysis run through its human approval gate",
		Long: `Drive an analysis run on a LangGraph server through its human approval gate.

Config precedence:
  1. --dir flag
  2. GATEKEEPER_HOME env var
  3. ./.gatekeeper (if it exists in the current directory)
  4. ~/.gatekeeper (default)`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[noSetup] != "" || cmd.Name() == "help" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&a.flags.dir, "dir", "", "Gatekeeper home directory")
	rootCmd.PersistentFlags().BoolVarP(&a.flags.verbose, "verbose", "v", false, "Log debug records and raw frames to stderr")
	rootCmd.PersistentFlags().StringVar(&a.flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(
		newStartCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newLogsCmd(a),
		newResetCmd(a),
		newWatchCmd(a),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return rootCmd, a
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start [theme]",
		Short: "Start a new run on a fresh session",
		Long: `Start a new run on a fresh session and follow it until it pauses at the
approval gate or finishes. Without a theme the configured default is used.
Ctrl-C cancels the run; a paused session stays resumable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			theme := ""
			if len(args) == 1 {
				theme = args[0]
			}
			return a.drive(cmd, func(ctx context.Context) error {
				_, err := a.driver.Start(ctx, theme)
				return err
			})
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "resume <approve|retry|reject>",
		Aliases:   []string{"decide"},
		Short:     "Answer the approval gate of the paused run",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(run.DecisionApprove), string(run.DecisionRetry), string(run.DecisionReject)},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := run.ParseDecision(args[0])
			if err != nil {
				return err
			}
			if _, err := a.driver.Restore(cmd.Context()); err != nil {
				return fmt.Errorf("restore session: %w", err)
			}
			if !a.driver.State().CanResume() {
				v := a.driver.Snapshot()
				if v.ThreadID == "" {
					return errors.New("no paused session. Run `gatekeeper start` first")
				}
				return fmt.Errorf("session %s is not waiting for a decision (phase %s)", v.ThreadID, v.Phase)
			}
			return a.drive(cmd, func(ctx context.Context) error {
				_, err := a.driver.Submit(ctx, decision)
				return err
			})
		},
	}
}

// drive runs op with live log output and Ctrl-C cancellation, then prints
// the resulting view.
func (a *app) drive(cmd *cobra.Command, op func(ctx context.Context) error) error {
	ctx := cmd.Context()
	stopFollow := follow(a.driver, cmd.ErrOrStderr(), a.cfg.Client.Verbose)
	stopSignals := a.cancelOnInterrupt(ctx)
	err := op(ctx)
	stopSignals()
	stopFollow()

	fmt.Fprintln(cmd.OutOrStdout())
	if rerr := renderView(cmd.OutOrStdout(), a.driver.Snapshot(), formatText); rerr != nil {
		return rerr
	}
	if reason, ok := transport.AbortReasonOf(err); ok && reason == transport.AbortUser {
		fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled.")
		return nil
	}
	return err
}

func newStatusCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.restore(cmd.Context(), cmd.ErrOrStderr())
			v := a.driver.Snapshot()
			v.Logs = nil
			return renderView(cmd.OutOrStdout(), v, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatText, "Output format: text, json or yaml")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the activity log, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs := a.driver.Snapshot().Logs
			if limit > 0 && len(logs) > limit {
				logs = logs[:limit]
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No activity recorded.")
				return nil
			}
			for i := len(logs) - 1; i >= 0; i-- {
				renderLogEntry(cmd.OutOrStdout(), logs[i], a.cfg.Client.Verbose)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the newest n entries")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Abandon the current session and clear its history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.driver.Reset(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Wait for the persisted session to reach the approval gate",
		Long: `Poll the persisted session until it pauses at the approval gate or is no
longer known to the server. Useful after a start that was interrupted while
the server kept working.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := a.store.Load()
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			if id == "" && a.driver.State().Phase == run.PhaseIdle {
				fmt.Fprintln(cmd.OutOrStdout(), "No session to watch.")
				return nil
			}

			stopFollow := follow(a.driver, cmd.ErrOrStderr(), a.cfg.Client.Verbose)
			_, err = a.driver.Watch(ctx, a.cfg.WatchInterval())
			stopFollow()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if rerr := renderView(cmd.OutOrStdout(), a.driver.Snapshot(), formatText); rerr != nil {
				return rerr
			}
			return err
		},
	}
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the run tools over MCP stdio",
		Long: `Serve run_start, run_decide, run_cancel, run_status and run_reset over
MCP on stdin/stdout. Logs go to the daily log file, and to stderr with
--verbose.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := a.driver.Restore(ctx); err != nil {
				logger.WarnContext(ctx, "could not restore session", "error", err)
			}
			if a.cleaner != nil {
				a.cleaner.Start()
			}
			logger.InfoContext(ctx, "serving MCP over stdio", "version", Version)
			err := mcp.NewServer(a.driver, Version).Run(ctx, &mcp_sdk.StdioTransport{})
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{noSetup: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "gatekeeper %s\n", strings.TrimSpace(Version))
			return nil
		},
	}
}
