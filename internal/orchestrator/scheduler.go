package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robocurse/robocurse/internal/checkpoint"
	"github.com/robocurse/robocurse/internal/chunk"
	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/robocopy"
)

// CopyToolError reports a chunk whose copy-tool invocation ended with a
// non-fatal error after the retry budget was exhausted.
type CopyToolError struct {
	SourcePath string
	ExitCode   int
	Attempts   int
	Err        error
}

func (e *CopyToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chunk %s failed after %d attempt(s): %v", e.SourcePath, e.Attempts, e.Err)
	}
	return fmt.Sprintf("chunk %s failed after %d attempt(s): exit code %d", e.SourcePath, e.Attempts, e.ExitCode)
}

func (e *CopyToolError) Unwrap() error {
	return e.Err
}

// CopyToolFatalError reports a fatal tool exit. It aborts the profile's
// remaining chunks and leaves the checkpoint behind for a later resume.
type CopyToolFatalError struct {
	SourcePath string
	ExitCode   int
}

func (e *CopyToolFatalError) Error() string {
	return fmt.Sprintf("copy tool reported a fatal error on chunk %s (exit code %d)", e.SourcePath, e.ExitCode)
}

// ChunkResult is the terminal outcome of one chunk.
type ChunkResult struct {
	Chunk     chunk.Chunk
	Class     robocopy.Classification
	Attempts  int
	LogPath   string
	Err       error
	Completed bool
}

// ScheduleStats aggregates one scheduler pass over a profile's chunks.
type ScheduleStats struct {
	Planned   int
	Skipped   int
	Completed int
	Failed    int
	Fatal     bool
}

// Scheduler drives a profile's pending chunks through a bounded pool of
// concurrent copy-tool invocations.
type Scheduler struct {
	logger      *logging.Logger
	runner      robocopy.Runner
	workers     int
	maxAttempts int
	copyTimeout time.Duration
	dryRun      bool

	// pausePoll is how often the dispatcher re-checks a raised pause flag.
	pausePoll time.Duration
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *logging.Logger, runner robocopy.Runner, cfg *config.Config, dryRun bool) *Scheduler {
	workers := cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		logger:      logger,
		runner:      runner,
		workers:     workers,
		maxAttempts: cfg.MaxChunkAttempts,
		copyTimeout: time.Duration(cfg.CopyTimeoutMinutes) * time.Minute,
		dryRun:      dryRun,
		pausePoll:   200 * time.Millisecond,
	}
}

// Run dispatches the profile's chunks, skipping any already present in the
// loaded checkpoint. The stop flag is observed between dispatches only:
// chunks already running are allowed to finish. Returns the aggregate stats
// and, when the tool exited fatally, a CopyToolFatalError.
func (s *Scheduler) Run(ctx context.Context, state *State, profile *config.Profile, chunks []chunk.Chunk, cp *checkpoint.Checkpoint, ckMgr *checkpoint.Manager, session *logging.Session) (ScheduleStats, error) {
	stats := ScheduleStats{Planned: len(chunks)}

	pending := make([]chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if checkpoint.IsChunkCompleted(c.SourcePath, cp) {
			s.logger.Skip("Chunk %d already completed in a previous session: %s", c.ID, c.SourcePath)
			stats.Skipped++
			continue
		}
		pending = append(pending, c)
	}

	if len(pending) == 0 {
		s.logger.Info("Profile %s: nothing to dispatch (%d chunk(s) already completed)", profile.Name, stats.Skipped)
		return stats, nil
	}

	state.Advance(PhaseReplicating)
	s.logger.Phase("Replicating profile %s: %d chunk(s), %d worker(s)", profile.Name, len(pending), s.workers)

	// Completed paths from earlier sessions stay in every checkpoint save
	// so a resume after a resume still skips them.
	var baseline []string
	if cp != nil {
		baseline = append(baseline, cp.CompletedChunkPaths...)
	}

	jobs := make(chan chunk.Chunk)
	results := make(chan ChunkResult)
	var fatalSeen atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				state.IncActive()
				res := s.runChunk(c, profile, session)
				state.DecActive()
				results <- res
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, c := range pending {
			for state.PauseRequested() && !state.StopRequested() && ctx.Err() == nil {
				time.Sleep(s.pausePoll)
			}
			if state.StopRequested() || ctx.Err() != nil || fatalSeen.Load() {
				return
			}
			jobs <- c
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var fatalErr error
	for res := range results {
		switch {
		case res.Completed:
			state.MarkChunkComplete(res.Chunk)
			stats.Completed++
			if res.Class.Severity == robocopy.SeverityWarning {
				s.logger.Warning("Chunk %d finished with tool warnings (exit code %d): %s",
					res.Chunk.ID, res.Class.ExitCode, res.Chunk.SourcePath)
			} else {
				s.logger.Debug("Chunk %d completed: %s", res.Chunk.ID, res.Chunk.SourcePath)
			}
			s.saveCheckpoint(state, ckMgr, baseline)
		case res.Class.Severity == robocopy.SeverityFatal:
			state.MarkChunkFailed()
			stats.Failed++
			stats.Fatal = true
			fatalSeen.Store(true)
			if fatalErr == nil {
				fatalErr = &CopyToolFatalError{SourcePath: res.Chunk.SourcePath, ExitCode: res.Class.ExitCode}
			}
			s.logger.Critical("Fatal copy-tool error on chunk %d (%s), aborting remaining chunks for profile %s",
				res.Chunk.ID, res.Chunk.SourcePath, profile.Name)
		default:
			state.MarkChunkFailed()
			stats.Failed++
			s.logger.Error("Chunk %d permanently failed: %v", res.Chunk.ID,
				&CopyToolError{SourcePath: res.Chunk.SourcePath, ExitCode: res.Class.ExitCode, Attempts: res.Attempts, Err: res.Err})
		}
	}

	return stats, fatalErr
}

// runChunk drives one chunk to a terminal outcome, retrying retryable
// errors up to the attempt budget. A wait timeout counts as a retryable
// error; the hung process is abandoned, never killed by this layer.
func (s *Scheduler) runChunk(c chunk.Chunk, profile *config.Profile, session *logging.Session) ChunkResult {
	res := ChunkResult{Chunk: c, LogPath: session.ChunkLogPath(profile.Name, c.ID)}

	if s.dryRun {
		s.logger.Info("[DRY RUN] Would copy chunk %d: %s -> %s", c.ID, c.SourcePath, c.DestPath)
		res.Class = robocopy.Classification{Severity: robocopy.SeveritySuccess}
		res.Completed = true
		res.Attempts = 1
		return res
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res.Attempts = attempt

		proc, err := s.runner.Start(c.SourcePath, c.DestPath, c.CopyArgs, res.LogPath)
		if err != nil {
			res.Err = err
			res.Class = robocopy.Classification{ExitCode: -1, Severity: robocopy.SeverityError, Retryable: true}
			s.logger.Warning("Chunk %d attempt %d/%d could not start: %v", c.ID, attempt, s.maxAttempts, err)
			continue
		}

		exitCode, err := proc.Wait(s.copyTimeout)
		if err != nil {
			res.Err = err
			res.Class = robocopy.Classification{ExitCode: -1, Severity: robocopy.SeverityError, Retryable: true}
			s.logger.Warning("Chunk %d attempt %d/%d timed out after %s", c.ID, attempt, s.maxAttempts, s.copyTimeout)
			continue
		}

		res.Err = nil
		res.Class = robocopy.Classify(exitCode)
		switch res.Class.Severity {
		case robocopy.SeveritySuccess, robocopy.SeverityWarning:
			res.Completed = true
			return res
		case robocopy.SeverityFatal:
			return res
		default:
			if !res.Class.Retryable {
				return res
			}
			s.logger.Warning("Chunk %d attempt %d/%d failed with exit code %d, retrying",
				c.ID, attempt, s.maxAttempts, exitCode)
		}
	}
	return res
}

// saveCheckpoint persists the union of prior-session completions and this
// run's completions. Failures are logged, never fatal to the run.
func (s *Scheduler) saveCheckpoint(state *State, ckMgr *checkpoint.Manager, baseline []string) {
	if ckMgr == nil {
		return
	}
	paths := append(append([]string(nil), baseline...), state.CompletedPaths()...)
	if err := ckMgr.Save(state.SessionID(), paths); err != nil {
		s.logger.Warning("Checkpoint save failed: %v", err)
	}
}
