package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/robocurse/robocurse/internal/checkpoint"
	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/metrics"
	"github.com/robocurse/robocurse/internal/orchestrator"
	"github.com/robocurse/robocurse/internal/snapshot"
	"github.com/robocurse/robocurse/internal/types"
)

const version = "1.0.0"

// Build-time variable (injected via ldflags).
var buildTime = ""

var (
	flagConfig   string
	flagLogLevel string
	flagDryRun   bool
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			exitCode = types.ExitPanicError.Int()
		}
	}()

	root := &cobra.Command{
		Use:           "robocurse",
		Short:         "Chunked directory replication with snapshots and resume",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./robocurse.yaml", "Path to configuration file")
	root.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "", "Log level (debug|info|warning|error|critical)")
	root.PersistentFlags().BoolVarP(&flagDryRun, "dry-run", "n", false, "Report intended actions without making changes")

	root.AddCommand(newRunCmd(), newRetentionCmd(), newCheckpointCmd(), newStatusCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "robocurse: %v\n", err)
		return exitCodeFor(err)
	}
	return types.ExitSuccess.Int()
}

// errStopped marks a run terminated by a user stop request.
var errStopped = errors.New("run stopped before completion")

// errChunksFailed marks a run that finished with permanently failed chunks.
var errChunksFailed = errors.New("replication finished with failed chunks")

func exitCodeFor(err error) int {
	var vErr *config.ValidationError
	var lockErr *orchestrator.LockContentionError
	var fatalErr *orchestrator.CopyToolFatalError
	var snapErr *snapshot.SnapshotError
	var ckErr *checkpoint.CheckpointError
	switch {
	case errors.Is(err, errStopped):
		return types.ExitStoppedError.Int()
	case errors.Is(err, errChunksFailed):
		return types.ExitReplicationError.Int()
	case errors.As(err, &vErr):
		return types.ExitConfigError.Int()
	case errors.As(err, &lockErr):
		return types.ExitLockError.Int()
	case errors.As(err, &fatalErr):
		return types.ExitCopyToolError.Int()
	case errors.As(err, &snapErr):
		return types.ExitSnapshotError.Int()
	case errors.As(err, &ckErr):
		return types.ExitCheckpointError.Int()
	default:
		return types.ExitGenericError.Int()
	}
}

func loadConfig() (*config.Config, types.LogLevel, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, types.LogLevelInfo, err
	}
	level := types.ParseLogLevel(cfg.LogLevel)
	if flagLogLevel != "" {
		level = types.ParseLogLevel(flagLogLevel)
	}
	return cfg, level, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [profile...]",
		Short: "Replicate the selected profiles (all enabled profiles by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, level, err := loadConfig()
			if err != nil {
				return err
			}

			logger, session, cleanup, err := logging.StartSession("run", cfg.LogDir, level, cfg.UseColor)
			if err != nil {
				return err
			}
			defer cleanup()

			engine, err := orchestrator.New(logger, cfg, session, flagDryRun)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// First signal requests a cooperative stop: running chunks
			// drain, nothing new starts. A second signal cancels outright.
			sigChan := make(chan os.Signal, 2)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				logger.Warning("Stop requested, letting in-flight chunks drain...")
				engine.State().RequestStop()
				<-sigChan
				logger.Critical("Second signal received, cancelling immediately")
				cancel()
			}()

			summary, err := engine.Run(ctx, args)
			if summary != nil {
				printSummary(summary)
				exportMetrics(logger, cfg, summary, err)
			}
			if err != nil {
				return err
			}
			return runError(summary, engine.State())
		},
	}
}

// runError maps the run outcome onto a process-level error.
func runError(summary *orchestrator.RunSummary, state *orchestrator.State) error {
	if state.Phase() == orchestrator.PhaseStopped {
		return errStopped
	}
	for _, ps := range summary.Profiles {
		if ps.Outcome == orchestrator.OutcomeFatal {
			return ps.Err
		}
	}
	for _, ps := range summary.Profiles {
		if ps.Outcome == orchestrator.OutcomeFailed {
			if ps.Err != nil {
				return ps.Err
			}
			return fmt.Errorf("profile %s: %d failed chunk(s): %w", ps.Profile, ps.Failed, errChunksFailed)
		}
	}
	return nil
}

func printSummary(summary *orchestrator.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Profile", "Outcome", "Chunks", "Skipped", "Copied", "Failed", "Duration"})
	for _, ps := range summary.Profiles {
		t.AppendRow(table.Row{
			ps.Profile, string(ps.Outcome), ps.Chunks, ps.Skipped, ps.Completed, ps.Failed,
			ps.Duration.Round(time.Second),
		})
	}
	t.AppendFooter(table.Row{"session", summary.SessionID, "", "", "", "", summary.Duration.Round(time.Second)})
	t.Render()
}

func exportMetrics(logger *logging.Logger, cfg *config.Config, summary *orchestrator.RunSummary, runErr error) {
	if cfg.MetricsDir == "" {
		return
	}

	hostname, _ := os.Hostname()
	m := &metrics.RunMetrics{
		Hostname:  hostname,
		SessionID: summary.SessionID,
		StartTime: time.Now().Add(-summary.Duration),
		Duration:  summary.Duration,
		Profiles:  len(summary.Profiles),
	}
	for _, ps := range summary.Profiles {
		m.ChunksPlanned += ps.Chunks
		m.ChunksSkipped += ps.Skipped
		m.ChunksCompleted += ps.Completed
		m.ChunksFailed += ps.Failed
	}
	if runErr != nil {
		m.ExitCode = exitCodeFor(runErr)
	}

	exporter := metrics.NewTextfileExporter(cfg.MetricsDir, logger)
	if err := exporter.Export(m); err != nil {
		logger.Warning("Metrics export failed: %v", err)
	}
}

func newRetentionCmd() *cobra.Command {
	var sideStr string
	var keep int
	cmd := &cobra.Command{
		Use:   "retention <volume>",
		Short: "Enforce snapshot retention for a volume without running a replication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, level, err := loadConfig()
			if err != nil {
				return err
			}

			logger := logging.NewAutoColor(level)
			engine, err := orchestrator.New(logger, cfg, nil, flagDryRun)
			if err != nil {
				return err
			}

			side := types.SnapshotSide(sideStr)
			if side != types.SideSource && side != types.SideDestination {
				return &config.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", sideStr)}
			}

			result := engine.EnforceRetention(cmd.Context(), args[0], side, keep)
			logger.Info("Retention result: deleted=%d kept=%d external=%d errors=%d",
				result.Deleted, result.Kept, result.External, len(result.Errors))
			if len(result.Errors) > 0 {
				return result.Errors[0]
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sideStr, "side", string(types.SideSource), "Snapshot side (source|destination)")
	cmd.Flags().IntVar(&keep, "keep", 0, "Keep count (defaults to the profiles' configured maximum)")
	return cmd
}

func newCheckpointCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show or clear the resume checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, level, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewAutoColor(level)

			// Same directory the run session anchors the checkpoint in.
			dir := cfg.LogDir
			if dir == "" {
				dir = filepath.Join(os.TempDir(), "robocurse")
			}
			mgr := checkpoint.NewManager(logger, dir)

			if clear {
				removed, err := mgr.Remove(flagDryRun)
				if err != nil {
					return err
				}
				if removed {
					logger.Info("Checkpoint cleared: %s", mgr.Path())
				} else {
					logger.Info("No checkpoint at %s", mgr.Path())
				}
				return nil
			}

			cp, err := mgr.Load()
			if err != nil {
				return err
			}
			if cp == nil {
				logger.Info("No resume checkpoint at %s", mgr.Path())
				return nil
			}
			logger.Info("Checkpoint %s: session %s, %d completed chunk path(s), saved %s",
				mgr.Path(), cp.SessionID, cp.CompletedCount, cp.SavedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Delete the checkpoint so the next run starts fresh")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [profile...]",
		Short: "Report which profiles currently hold a run lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, level, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewAutoColor(level)

			names := args
			if len(names) == 0 {
				for _, p := range cfg.Profiles {
					names = append(names, p.Name)
				}
			}
			for _, name := range names {
				if orchestrator.IsProfileRunning(cfg.LockDir, name) {
					logger.Info("Profile %s: running", name)
				} else {
					logger.Info("Profile %s: not running", name)
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("robocurse %s", version)
			if buildTime != "" {
				fmt.Printf(" (built %s)", buildTime)
			}
			fmt.Println()
		},
	}
}
