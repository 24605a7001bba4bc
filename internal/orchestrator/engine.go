package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robocurse/robocurse/internal/checkpoint"
	"github.com/robocurse/robocurse/internal/chunk"
	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/robocopy"
	"github.com/robocurse/robocurse/internal/snapshot"
	"github.com/robocurse/robocurse/internal/types"
)

// ProfileOutcome is the terminal status of one profile within a run.
type ProfileOutcome string

const (
	OutcomeCompleted ProfileOutcome = "completed"
	OutcomeFailed    ProfileOutcome = "failed"
	OutcomeFatal     ProfileOutcome = "fatal"
	OutcomeStopped   ProfileOutcome = "stopped"
	OutcomeSkipped   ProfileOutcome = "skipped"
)

// ProfileSummary reports one profile's results.
type ProfileSummary struct {
	Profile   string
	Outcome   ProfileOutcome
	Chunks    int
	Skipped   int
	Completed int
	Failed    int
	Warnings  int
	Duration  time.Duration
	Err       error
}

// RunSummary aggregates a whole run.
type RunSummary struct {
	SessionID string
	Profiles  []ProfileSummary
	Duration  time.Duration
}

// Engine owns one replication run across the selected profiles.
type Engine struct {
	logger   *logging.Logger
	cfg      *config.Config
	session  *logging.Session
	runner   robocopy.Runner
	cmd      CommandRunner
	clock    TimeProvider
	registry *snapshot.Registry
	policy   *snapshot.Policy
	planner  *chunk.Planner
	state    *State
	dryRun   bool
}

// New creates an engine wired with production dependencies.
func New(logger *logging.Logger, cfg *config.Config, session *logging.Session, dryRun bool) (*Engine, error) {
	registry, err := snapshot.NewRegistry(logger, snapshot.ResolveRegistryPath(cfg.RegistryPath))
	if err != nil {
		return nil, fmt.Errorf("initialize snapshot registry: %w", err)
	}

	return &Engine{
		logger:   logger,
		cfg:      cfg,
		session:  session,
		runner:   robocopy.NewExecRunner(""),
		cmd:      execCommandRunner{},
		clock:    systemClock{},
		registry: registry,
		policy:   snapshot.NewPolicy(logger, registry),
		planner:  chunk.NewPlanner(logger),
		state:    NewState(),
		dryRun:   dryRun,
	}, nil
}

// SetRunner overrides the copy-tool runner (tests).
func (e *Engine) SetRunner(r robocopy.Runner) { e.runner = r }

// SetCommandRunner overrides the snapshot command runner (tests).
func (e *Engine) SetCommandRunner(c CommandRunner) { e.cmd = c }

// State exposes the shared run state for progress readers and stop requests.
func (e *Engine) State() *State { return e.state }

// Run replicates the selected profiles in order. A fatal copy-tool error in
// one profile skips the not-yet-started remainder cleanly; per-chunk
// failures do not stop sibling chunks.
func (e *Engine) Run(ctx context.Context, profileNames []string) (*RunSummary, error) {
	start := e.clock.Now()
	e.state.Reset()
	summary := &RunSummary{SessionID: e.state.SessionID()}

	profiles, err := e.cfg.SelectProfiles(profileNames)
	if err != nil {
		return summary, err
	}
	if len(profiles) == 0 {
		return summary, &config.ValidationError{Field: "profiles", Reason: "no enabled profiles selected"}
	}

	e.state.Advance(PhaseProfiling)
	e.logger.Phase("Starting replication run %s (%d profile(s))", summary.SessionID, len(profiles))

	abortRemaining := false
	for i, profile := range profiles {
		if e.state.StopRequested() || ctx.Err() != nil {
			summary.Profiles = append(summary.Profiles, ProfileSummary{Profile: profile.Name, Outcome: OutcomeStopped})
			continue
		}
		if abortRemaining {
			e.logger.Skip("Profile %s skipped after fatal error in an earlier profile", profile.Name)
			summary.Profiles = append(summary.Profiles, ProfileSummary{Profile: profile.Name, Outcome: OutcomeSkipped})
			continue
		}

		e.state.SetProfile(profile.Name, i)
		ps := e.runProfile(ctx, profile, profiles)
		summary.Profiles = append(summary.Profiles, ps)
		if ps.Outcome == OutcomeFatal {
			abortRemaining = true
		}
	}

	if e.state.StopRequested() {
		e.state.Advance(PhaseStopped)
	} else {
		e.state.Advance(PhaseComplete)
	}
	summary.Duration = e.clock.Now().Sub(start)
	e.logger.Phase("Run %s finished in %s (phase: %s)", summary.SessionID, summary.Duration.Round(time.Second), e.state.Phase())
	return summary, nil
}

func (e *Engine) runProfile(ctx context.Context, profile *config.Profile, selected []*config.Profile) ProfileSummary {
	start := e.clock.Now()
	ps := ProfileSummary{Profile: profile.Name}

	lock, err := AcquireRunLock(e.logger, e.cfg.LockDir, profile.Name)
	if err != nil {
		ps.Outcome = OutcomeFailed
		ps.Err = err
		e.logger.Error("Profile %s: %v", profile.Name, err)
		return ps
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			e.logger.Warning("Profile %s: %v", profile.Name, rerr)
		}
		ps.Duration = e.clock.Now().Sub(start)
	}()

	e.logger.Step("Validating profile %s", profile.Name)
	if err := e.validateProfile(profile); err != nil {
		ps.Outcome = OutcomeFailed
		ps.Err = err
		e.logger.Error("Profile %s: %v", profile.Name, err)
		return ps
	}

	if err := e.snapshotSides(ctx, profile, selected); err != nil {
		// Snapshot trouble is surfaced but does not cancel the copy run.
		e.logger.Warning("Profile %s: %v", profile.Name, err)
	}

	e.state.Advance(PhaseChunking)
	e.logger.Step("Planning chunks for profile %s", profile.Name)
	chunks, warnings, err := e.planner.Plan(ctx, profile)
	if err != nil {
		ps.Outcome = OutcomeFailed
		ps.Err = err
		e.logger.Error("Profile %s: planning failed: %v", profile.Name, err)
		return ps
	}
	ps.Warnings = len(warnings)

	ckMgr := checkpoint.NewManager(e.logger, e.sessionDir())
	cp, err := ckMgr.Load()
	if err != nil {
		e.logger.Warning("Profile %s: checkpoint unreadable, starting fresh: %v", profile.Name, err)
		cp = nil
	}
	if cp != nil {
		e.logger.Info("Profile %s: resuming session %s (%d chunk(s) already completed)",
			profile.Name, cp.SessionID, cp.CompletedCount)
	}

	scheduler := NewScheduler(e.logger, e.runner, e.cfg, e.dryRun)
	stats, err := scheduler.Run(ctx, e.state, profile, chunks, cp, ckMgr, e.session)
	ps.Chunks = stats.Planned
	ps.Skipped = stats.Skipped
	ps.Completed = stats.Completed
	ps.Failed = stats.Failed

	switch {
	case err != nil:
		// Fatal: checkpoint stays for a later resume.
		ps.Outcome = OutcomeFatal
		ps.Err = err
		e.logger.Error("Profile %s: %v", profile.Name, err)
	case e.state.StopRequested():
		ps.Outcome = OutcomeStopped
		e.logger.Warning("Profile %s stopped; checkpoint kept for resume", profile.Name)
	case stats.Failed > 0:
		ps.Outcome = OutcomeFailed
		e.logger.Warning("Profile %s finished with %d failed chunk(s); checkpoint kept for resume",
			profile.Name, stats.Failed)
	default:
		ps.Outcome = OutcomeCompleted
		if removed, rerr := ckMgr.Remove(e.dryRun); rerr != nil {
			e.logger.Warning("Profile %s: %v", profile.Name, rerr)
		} else if removed {
			e.logger.Debug("Profile %s: checkpoint cleared after full completion", profile.Name)
		}
		e.logger.Info("Profile %s completed: %d copied, %d skipped", profile.Name, stats.Completed, stats.Skipped)
	}
	return ps
}

func (e *Engine) validateProfile(profile *config.Profile) error {
	info, err := os.Stat(profile.Source)
	if err != nil {
		return &config.ValidationError{Profile: profile.Name, Field: "source", Reason: err.Error()}
	}
	if !info.IsDir() {
		return &config.ValidationError{Profile: profile.Name, Field: "source", Reason: "not a directory"}
	}
	return nil
}

// snapshotSides runs retention and snapshot creation for each enabled side.
// Retention runs in pre-create mode so the volume nets back to exactly the
// effective keep count once the new snapshot exists.
func (e *Engine) snapshotSides(ctx context.Context, profile *config.Profile, selected []*config.Profile) error {
	var firstErr error
	for _, side := range []types.SnapshotSide{types.SideSource, types.SideDestination} {
		if !profile.SideEnabled(side) {
			continue
		}

		path := profile.VolumeForSide(side)
		volume := snapshot.VolumeOfPath(path)
		provider := snapshot.ProviderForPath(e.logger, e.cmd, path, profile.SnapshotServer)
		keep := snapshot.EffectiveKeepCount(selected, volume, side)
		if keep <= 0 {
			keep = profile.KeepCount(side)
		}

		e.logger.Step("Snapshot retention for %s (%s side, keep %d)", volume, side, keep)
		result := e.policy.Enforce(ctx, provider, volume, side, keep, snapshot.EnforceOptions{
			PreCreate: true,
			DryRun:    e.dryRun,
		})
		for _, rerr := range result.Errors {
			e.logger.Warning("Retention on %s: %v", volume, rerr)
			if firstErr == nil {
				firstErr = rerr
			}
		}

		if e.dryRun {
			e.logger.Info("[DRY RUN] Would create %s snapshot of %s", side, volume)
			continue
		}

		snap, err := provider.Create(ctx, path, profile.SnapshotPersistent)
		if err != nil {
			e.logger.Warning("Snapshot creation on %s failed, continuing without a consistent view: %v", volume, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if profile.SnapshotPersistent {
			// Persistent snapshots are deliberately untracked: they stay
			// external to retention and to orphan cleanup.
			e.logger.Info("Created persistent (untracked) snapshot %s on %s", snap.ShadowID, volume)
			continue
		}
		if err := e.registry.Register(snap); err != nil {
			e.logger.Warning("Snapshot %s created but not registered: %v", snap.ShadowID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.logger.Info("Created snapshot %s on %s (%s side)", snap.ShadowID, volume, side)
	}
	return firstErr
}

// EnforceRetention applies the retention policy for one volume/side outside
// a replication run (the standalone `retention` command).
func (e *Engine) EnforceRetention(ctx context.Context, volume string, side types.SnapshotSide, keepCount int) snapshot.RetentionResult {
	provider := snapshot.ProviderForPath(e.logger, e.cmd, volume, "")
	if fromProfiles := e.profilesKeepCount(volume, side); fromProfiles > keepCount {
		keepCount = fromProfiles
	}
	return e.policy.Enforce(ctx, provider, volume, side, keepCount, snapshot.EnforceOptions{DryRun: e.dryRun})
}

func (e *Engine) profilesKeepCount(volume string, side types.SnapshotSide) int {
	all := make([]*config.Profile, 0, len(e.cfg.Profiles))
	for i := range e.cfg.Profiles {
		all = append(all, &e.cfg.Profiles[i])
	}
	return snapshot.EffectiveKeepCount(all, volume, side)
}

func (e *Engine) sessionDir() string {
	if e.session != nil {
		return e.session.Dir
	}
	return ""
}
