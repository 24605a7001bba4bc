package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robocurse/robocurse/internal/checkpoint"
	"github.com/robocurse/robocurse/internal/chunk"
	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/robocopy"
)

// fakeRunner scripts copy-tool outcomes per source path. Each Start
// consumes the next exit code for that path; the last one repeats.
type fakeRunner struct {
	mu        sync.Mutex
	exitCodes map[string][]int
	startErr  map[string]error
	timeout   map[string]bool
	starts    map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		exitCodes: make(map[string][]int),
		startErr:  make(map[string]error),
		timeout:   make(map[string]bool),
		starts:    make(map[string]int),
	}
}

func (f *fakeRunner) script(path string, codes ...int) {
	f.exitCodes[path] = codes
}

func (f *fakeRunner) Start(source, dest string, copyArgs []string, logPath string) (robocopy.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attempt := f.starts[source]
	f.starts[source] = attempt + 1

	if err := f.startErr[source]; err != nil {
		return nil, err
	}
	if f.timeout[source] {
		return &fakeProcess{timedOut: true}, nil
	}

	codes := f.exitCodes[source]
	if len(codes) == 0 {
		return &fakeProcess{exitCode: 0}, nil
	}
	if attempt >= len(codes) {
		attempt = len(codes) - 1
	}
	return &fakeProcess{exitCode: codes[attempt]}, nil
}

func (f *fakeRunner) startCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[path]
}

type fakeProcess struct {
	exitCode int
	timedOut bool
}

func (p *fakeProcess) Poll() (bool, int) {
	return p.timedOut, p.exitCode
}

func (p *fakeProcess) Wait(timeout time.Duration) (int, error) {
	if p.timedOut {
		return 0, robocopy.ErrTimeout
	}
	return p.exitCode, nil
}

func schedulerFixture(t *testing.T, runner robocopy.Runner) (*Scheduler, *State, *config.Profile, *checkpoint.Manager, *logging.Session) {
	t.Helper()
	logger := newQuietLogger()
	cfg := &config.Config{WorkerCount: 2, MaxChunkAttempts: 3, CopyTimeoutMinutes: 1}
	s := NewScheduler(logger, runner, cfg, false)
	profile := &config.Profile{Name: "data", Source: `D:\data`, Destination: `E:\mirror`}
	ckMgr := checkpoint.NewManager(logger, t.TempDir())
	session := &logging.Session{Dir: t.TempDir()}
	return s, NewState(), profile, ckMgr, session
}

func makeChunks(paths ...string) []chunk.Chunk {
	out := make([]chunk.Chunk, len(paths))
	for i, p := range paths {
		out[i] = chunk.Chunk{ID: i, SourcePath: p, DestPath: `E:\mirror`}
	}
	return out
}

func TestSchedulerAllSucceed(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)
	chunks := makeChunks(`D:\data\a`, `D:\data\b`, `D:\data\c`)

	stats, err := s.Run(context.Background(), state, profile, chunks, nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Planned != 3 || stats.Completed != 3 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if state.Phase() != PhaseReplicating {
		t.Errorf("Phase() = %s, want Replicating", state.Phase())
	}

	cp, err := ckMgr.Load()
	if err != nil || cp == nil {
		t.Fatalf("checkpoint after run = (%v, %v)", cp, err)
	}
	if cp.CompletedCount != 3 {
		t.Errorf("checkpoint CompletedCount = %d, want 3", cp.CompletedCount)
	}
	if cp.SessionID != state.SessionID() {
		t.Errorf("checkpoint session = %q, want %q", cp.SessionID, state.SessionID())
	}
}

func TestSchedulerSkipsCheckpointedChunks(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)
	chunks := makeChunks(`D:\data\a`, `D:\data\b`, `D:\data\c`)

	cp := &checkpoint.Checkpoint{
		Version:             checkpoint.FormatVersion,
		SessionID:           "previous",
		CompletedChunkPaths: []string{`d:\DATA\a`, `D:\data\c`},
		CompletedCount:      2,
	}

	stats, err := s.Run(context.Background(), state, profile, chunks, cp, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Skipped != 2 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 2 skipped and 1 completed", stats)
	}
	if runner.startCount(`D:\data\a`) != 0 || runner.startCount(`D:\data\c`) != 0 {
		t.Error("checkpointed chunks were dispatched")
	}
	if runner.startCount(`D:\data\b`) != 1 {
		t.Errorf("pending chunk dispatched %d times", runner.startCount(`D:\data\b`))
	}

	// Saves union prior-session completions with this run's.
	saved, err := ckMgr.Load()
	if err != nil || saved == nil {
		t.Fatalf("checkpoint = (%v, %v)", saved, err)
	}
	if saved.CompletedCount != 3 {
		t.Errorf("checkpoint CompletedCount = %d, want union of 3", saved.CompletedCount)
	}
}

func TestSchedulerAllSkippedDoesNotReplicate(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)
	chunks := makeChunks(`D:\data\a`)

	cp := &checkpoint.Checkpoint{
		Version:             checkpoint.FormatVersion,
		SessionID:           "previous",
		CompletedChunkPaths: []string{`D:\data\a`},
		CompletedCount:      1,
	}

	stats, err := s.Run(context.Background(), state, profile, chunks, cp, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Skipped != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if state.Phase() == PhaseReplicating {
		t.Error("phase advanced to Replicating with nothing to dispatch")
	}
}

func TestSchedulerRetriesThenSucceeds(t *testing.T) {
	runner := newFakeRunner()
	runner.script(`D:\data\a`, 8, 8, 1)
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if got := runner.startCount(`D:\data\a`); got != 3 {
		t.Errorf("chunk started %d times, want 3", got)
	}
}

func TestSchedulerExhaustsRetryBudget(t *testing.T) {
	runner := newFakeRunner()
	runner.script(`D:\data\a`, 8)
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v, non-fatal failures must not fail the pass", err)
	}
	if stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if got := runner.startCount(`D:\data\a`); got != 3 {
		t.Errorf("chunk started %d times, want the full budget of 3", got)
	}
	if cp, _ := ckMgr.Load(); cp != nil {
		t.Error("failed-only run still wrote a checkpoint")
	}
}

func TestSchedulerTimeoutIsRetryable(t *testing.T) {
	runner := newFakeRunner()
	runner.timeout[`D:\data\a`] = true
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want the timed-out chunk failed", stats)
	}
	if got := runner.startCount(`D:\data\a`); got != 3 {
		t.Errorf("timed-out chunk started %d times, want 3 attempts", got)
	}
}

func TestSchedulerStartErrorIsRetryable(t *testing.T) {
	runner := newFakeRunner()
	runner.startErr[`D:\data\a`] = fmt.Errorf("binary not found")
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSchedulerFatalAborts(t *testing.T) {
	runner := newFakeRunner()
	paths := []string{`D:\data\a`, `D:\data\b`, `D:\data\c`}
	for _, p := range paths {
		runner.script(p, 16)
	}
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	stats, err := s.Run(context.Background(), state, profile, makeChunks(paths...), nil, ckMgr, session)
	var ferr *CopyToolFatalError
	if !errors.As(err, &ferr) {
		t.Fatalf("Run() error = %v, want *CopyToolFatalError", err)
	}
	if !stats.Fatal {
		t.Error("stats.Fatal = false")
	}
	if stats.Completed != 0 {
		t.Errorf("stats.Completed = %d, want 0", stats.Completed)
	}
	if ferr.ExitCode != 16 {
		t.Errorf("fatal exit code = %d, want 16", ferr.ExitCode)
	}

	// A fatal exit is never retried.
	for _, p := range paths {
		if runner.startCount(p) > 1 {
			t.Errorf("fatal chunk %s started %d times", p, runner.startCount(p))
		}
	}
}

func TestSchedulerStopBeforeDispatch(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)
	state.RequestStop()

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`, `D:\data\b`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Completed != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want nothing dispatched", stats)
	}
	if runner.startCount(`D:\data\a`) != 0 || runner.startCount(`D:\data\b`) != 0 {
		t.Error("chunks dispatched despite stop request")
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := s.Run(ctx, state, profile, makeChunks(`D:\data\a`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Completed != 0 {
		t.Errorf("stats = %+v, want nothing dispatched", stats)
	}
}

func TestSchedulerDryRun(t *testing.T) {
	runner := newFakeRunner()
	logger := newQuietLogger()
	cfg := &config.Config{WorkerCount: 1, MaxChunkAttempts: 3, CopyTimeoutMinutes: 1}
	s := NewScheduler(logger, runner, cfg, true)
	profile := &config.Profile{Name: "data", Source: `D:\data`, Destination: `E:\mirror`}
	ckMgr := checkpoint.NewManager(logger, t.TempDir())
	session := &logging.Session{Dir: t.TempDir()}
	state := NewState()

	stats, err := s.Run(context.Background(), state, profile, makeChunks(`D:\data\a`, `D:\data\b`), nil, ckMgr, session)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Completed != 2 {
		t.Errorf("dry-run stats = %+v, want 2 completed", stats)
	}
	if runner.startCount(`D:\data\a`) != 0 || runner.startCount(`D:\data\b`) != 0 {
		t.Error("dry run invoked the copy tool")
	}
}

func TestSchedulerResumeDispatchesNothingWhenDone(t *testing.T) {
	runner := newFakeRunner()
	s, state, profile, ckMgr, session := schedulerFixture(t, runner)
	chunks := makeChunks(`D:\data\a`, `D:\data\b`, `D:\data\c`)

	// First pass completes everything and checkpoints it.
	if _, err := s.Run(context.Background(), state, profile, chunks, nil, ckMgr, session); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	cp, err := ckMgr.Load()
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = (%v, %v)", cp, err)
	}
	if cp.CompletedCount != 3 {
		t.Fatalf("checkpoint CompletedCount = %d, want 3", cp.CompletedCount)
	}

	// A resume against that checkpoint has nothing left to do.
	state2 := NewState()
	stats, err := s.Run(context.Background(), state2, profile, chunks, cp, ckMgr, session)
	if err != nil {
		t.Fatalf("resume Run() error = %v", err)
	}
	if stats.Skipped != 3 || stats.Completed != 0 {
		t.Errorf("resume stats = %+v, want all 3 skipped", stats)
	}
	for _, c := range chunks {
		if got := runner.startCount(c.SourcePath); got != 1 {
			t.Errorf("chunk %s started %d times across both passes, want 1", c.SourcePath, got)
		}
	}
}
