// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/logging"
	"github.com/pherdinauer/anacmirror/internal/runner"
	"github.com/pherdinauer/anacmirror/internal/tui"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
}

// ExitError carries the run exit code contract (0/20/30/40) through cobra
// to main.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "anacmirror",
		Short:         "Resumable mirror of an open-data catalog onto the local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, decisions, summary)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(ro))
	root.AddCommand(newPlanCmd(ro))
	root.AddCommand(newHistoryCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			return ee
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRunCmd(ro *RootOpts) *cobra.Command {
	var (
		planPath string
		stateDir string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a download plan against the local mirror",
		Long: `Reads an NDJSON plan (one item per line) and downloads every resource it
names, resuming partial transfers and skipping destinations that are
already committed.

Exit codes: 0 all ok, 20 nothing to do, 30 partial failures, 40 all
downloads failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(ro, stateDir)
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			if dryRun {
				r, err := runner.New(cfg, log, nil)
				if err != nil {
					return err
				}
				decisions, err := r.DryRun(plan)
				if err != nil {
					return err
				}
				return printDecisions(decisions, ro.JSONOut)
			}

			progress, closeUI := buildProgress(ro, planPath, cfg.StateDir)

			r, err := runner.New(cfg, log, progress)
			if err != nil {
				closeUI()
				return err
			}
			summary := r.Run(cmd.Context(), plan)
			closeUI()

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(summary)
			} else {
				printSummary(summary)
			}
			if code := summary.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the NDJSON plan file (- for stdin)")
	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print first-strategy decisions without opening sockets")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func newPlanCmd(ro *RootOpts) *cobra.Command {
	var (
		planPath string
		stateDir string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would do, without any network I/O",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(ro, stateDir)
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}
			r, err := runner.New(cfg, log, nil)
			if err != nil {
				return err
			}
			decisions, err := r.DryRun(plan)
			if err != nil {
				return err
			}
			return printDecisions(decisions, ro.JSONOut)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the NDJSON plan file (- for stdin)")
	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (overrides config)")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

// setup loads config, applies overrides, and builds the logger.
func setup(ro *RootOpts, stateDir string) (*config.Config, *logrus.Entry, func(), error) {
	var cfg *config.Config
	var err error
	if ro.Config != "" {
		cfg, err = config.Load(ro.Config)
		if err != nil {
			return nil, nil, nil, err
		}
	} else if _, statErr := os.Stat(defaultConfigPath()); statErr == nil {
		cfg, err = config.Load(defaultConfigPath())
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		cfg = config.Default()
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}

	level := ro.LogLevel
	if ro.Verbose {
		level = "debug"
	}
	log, closer, err := logging.New(logging.Options{
		Level: level,
		JSON:  ro.JSONOut,
		Quiet: ro.Quiet,
		File:  ro.LogFile,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if closer != nil {
			closer.Close()
		}
	}
	return cfg, logrus.NewEntry(log), cleanup, nil
}

func loadPlan(path string) (*mirror.Plan, error) {
	if path == "-" {
		return mirror.ReadPlan(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mirror.ReadPlan(f)
}

// buildProgress picks the progress surface: JSON event stream, live ANSI
// table, or plain bar, depending on flags and terminal.
func buildProgress(ro *RootOpts, planPath, stateDir string) (mirror.ProgressFunc, func()) {
	if ro.JSONOut {
		var mu sync.Mutex
		enc := json.NewEncoder(os.Stdout)
		return func(ev mirror.ProgressEvent) {
			mu.Lock()
			_ = enc.Encode(ev)
			mu.Unlock()
		}, func() {}
	}
	if ro.Quiet {
		return nil, func() {}
	}
	if tui.Interactive() {
		lr := tui.NewLiveRenderer(planPath, stateDir)
		return lr.Handler(), lr.Close
	}
	pr := tui.NewPlainRenderer()
	return pr.Handler(), pr.Close
}

func printDecisions(decisions []runner.Decision, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decisions)
	}
	fmt.Printf("Plan (%d items):\n", len(decisions))
	for _, d := range decisions {
		if d.Skip {
			fmt.Printf("  skip          %s\n", d.DestPath)
			continue
		}
		fmt.Printf("  %-13s %s\n", d.Strategy, d.DestPath)
	}
	return nil
}

func printSummary(s *mirror.Summary) {
	fmt.Printf("Done: %d downloaded, %d skipped, %d failed, %d interrupted (%d bytes)\n",
		s.Downloaded, s.Skipped, s.Failed, s.Interrupted, s.Bytes)
	for msg, n := range s.ByError {
		fmt.Printf("  %dx %s\n", n, msg)
	}
}

// signalContext cancels on SIGINT/SIGTERM. Every manager's in-flight request
// is aborted, not finished: the segments fully written before the abort are
// fsynced and checkpointed, the partly received segment is not, and the
// manager returns interrupted.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
