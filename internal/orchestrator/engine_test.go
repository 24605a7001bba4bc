package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robocurse/robocurse/internal/checkpoint"
	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/snapshot"
	"github.com/robocurse/robocurse/internal/types"
)

// fakeSnapshotCmd answers every snapshot tool invocation with one canned
// reply.
type fakeSnapshotCmd struct {
	output []byte
	err    error
	calls  int
}

func (f *fakeSnapshotCmd) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls++
	return f.output, f.err
}

func engineFixture(t *testing.T, profiles []config.Profile) (*Engine, *fakeRunner, *logging.Session) {
	t.Helper()
	cfg := &config.Config{
		LockDir:            t.TempDir(),
		RegistryPath:       filepath.Join(t.TempDir(), "registry.json"),
		WorkerCount:        2,
		MaxChunkAttempts:   3,
		CopyTimeoutMinutes: 1,
		Profiles:           profiles,
	}
	session := &logging.Session{Dir: t.TempDir()}

	engine, err := New(newQuietLogger(), cfg, session, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runner := newFakeRunner()
	engine.SetRunner(runner)
	engine.SetCommandRunner(&fakeSnapshotCmd{output: []byte("shadow-1\n")})
	return engine, runner, session
}

func sourceTree(t *testing.T, folders ...string) string {
	t.Helper()
	src := t.TempDir()
	for i, f := range folders {
		dir := filepath.Join(src, f)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 2; j++ {
			path := filepath.Join(dir, fmt.Sprintf("file-%d-%d.bin", i, j))
			if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return src
}

func flatProfile(name, src string) config.Profile {
	return config.Profile{
		Name:          name,
		Enabled:       true,
		Source:        src,
		Destination:   filepath.Join(os.TempDir(), "dst-"+name),
		ScanMode:      types.ScanModeFlat,
		ChunkMaxDepth: 2,
		ChunkMaxFiles: 50000,
		ChunkMaxMB:    51200,
	}
}

func TestEngineRunCompletes(t *testing.T) {
	src := sourceTree(t, "alpha")
	engine, _, session := engineFixture(t, []config.Profile{flatProfile("data", src)})

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.SessionID == "" {
		t.Error("summary has no session id")
	}
	if len(summary.Profiles) != 1 {
		t.Fatalf("summary has %d profiles, want 1", len(summary.Profiles))
	}

	ps := summary.Profiles[0]
	if ps.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %s (err %v), want completed", ps.Outcome, ps.Err)
	}
	if ps.Completed != 1 || ps.Failed != 0 {
		t.Errorf("profile stats = %+v", ps)
	}
	if engine.State().Phase() != PhaseComplete {
		t.Errorf("Phase() = %s, want Complete", engine.State().Phase())
	}

	// Completed profiles leave no checkpoint behind.
	if _, err := os.Stat(filepath.Join(session.Dir, checkpoint.FileName)); !os.IsNotExist(err) {
		t.Error("checkpoint still present after full completion")
	}
}

func TestEngineResumeAfterPartialFailure(t *testing.T) {
	src := sourceTree(t, "alpha", "beta", "gamma")
	profile := flatProfile("data", src)
	profile.ScanMode = types.ScanModeSmart
	profile.ChunkMaxDepth = 1
	profile.ChunkMaxFiles = 3 // six files at the root force a split

	engine, runner, session := engineFixture(t, []config.Profile{profile})

	// beta exhausts its retry budget in the first pass, then recovers.
	beta := filepath.Join(src, "beta")
	runner.script(beta, 8, 8, 8, 0)

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	ps := summary.Profiles[0]
	if ps.Outcome != OutcomeFailed {
		t.Fatalf("first pass Outcome = %s, want failed", ps.Outcome)
	}
	if ps.Completed != 2 || ps.Failed != 1 {
		t.Fatalf("first pass stats = %+v, want 2 completed / 1 failed", ps)
	}

	// Failure keeps the checkpoint for the next attempt.
	ckPath := filepath.Join(session.Dir, checkpoint.FileName)
	if _, err := os.Stat(ckPath); err != nil {
		t.Fatalf("checkpoint missing after failed pass: %v", err)
	}

	summary, err = engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	ps = summary.Profiles[0]
	if ps.Outcome != OutcomeCompleted {
		t.Fatalf("second pass Outcome = %s (err %v), want completed", ps.Outcome, ps.Err)
	}
	if ps.Skipped != 2 || ps.Completed != 1 {
		t.Errorf("second pass stats = %+v, want 2 skipped / 1 completed", ps)
	}

	// The chunks that succeeded in pass one never ran again.
	for _, folder := range []string{"alpha", "gamma"} {
		path := filepath.Join(src, folder)
		if got := runner.startCount(path); got != 1 {
			t.Errorf("chunk %s started %d times across both passes, want 1", folder, got)
		}
	}
	if _, err := os.Stat(ckPath); !os.IsNotExist(err) {
		t.Error("checkpoint still present after successful resume")
	}
}

func TestEngineFatalSkipsRemainingProfiles(t *testing.T) {
	src1 := sourceTree(t, "a")
	src2 := sourceTree(t, "b")
	engine, runner, _ := engineFixture(t, []config.Profile{
		flatProfile("first", src1),
		flatProfile("second", src2),
	})
	runner.script(filepath.Clean(src1), 16)

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Profiles) != 2 {
		t.Fatalf("summary has %d profiles", len(summary.Profiles))
	}
	if summary.Profiles[0].Outcome != OutcomeFatal {
		t.Errorf("first profile Outcome = %s, want fatal", summary.Profiles[0].Outcome)
	}
	var ferr *CopyToolFatalError
	if !errors.As(summary.Profiles[0].Err, &ferr) {
		t.Errorf("first profile Err = %v, want *CopyToolFatalError", summary.Profiles[0].Err)
	}
	if summary.Profiles[1].Outcome != OutcomeSkipped {
		t.Errorf("second profile Outcome = %s, want skipped", summary.Profiles[1].Outcome)
	}
	if runner.startCount(filepath.Clean(src2)) != 0 {
		t.Error("profile after a fatal error was still dispatched")
	}
}

func TestEngineMissingSourceFailsValidation(t *testing.T) {
	profile := flatProfile("data", filepath.Join(t.TempDir(), "gone"))
	engine, _, _ := engineFixture(t, []config.Profile{profile})

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ps := summary.Profiles[0]
	if ps.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", ps.Outcome)
	}
	var verr *config.ValidationError
	if !errors.As(ps.Err, &verr) || verr.Field != "source" {
		t.Errorf("Err = %v, want source ValidationError", ps.Err)
	}
}

func TestEngineLockContention(t *testing.T) {
	src := sourceTree(t, "a")
	engine, _, _ := engineFixture(t, []config.Profile{flatProfile("data", src)})

	// A live foreign process already runs this profile.
	lockPath := LockPathFor(engine.cfg.LockDir, "data")
	content := "pid=1\nhost=elsewhere\ntime=" + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(lockPath, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ps := summary.Profiles[0]
	if ps.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", ps.Outcome)
	}
	var lerr *LockContentionError
	if !errors.As(ps.Err, &lerr) {
		t.Errorf("Err = %v, want *LockContentionError", ps.Err)
	}
}

func TestEngineUnknownProfile(t *testing.T) {
	src := sourceTree(t, "a")
	engine, _, _ := engineFixture(t, []config.Profile{flatProfile("data", src)})

	if _, err := engine.Run(context.Background(), []string{"nope"}); err == nil {
		t.Error("Run() with unknown profile succeeded, want error")
	}
}

func TestEngineSnapshotFailureDoesNotStopCopy(t *testing.T) {
	src := sourceTree(t, "a")
	profile := flatProfile("data", src)
	profile.SnapshotSource = true
	profile.SnapshotKeepSource = 2

	engine, _, _ := engineFixture(t, []config.Profile{profile})
	engine.SetCommandRunner(&fakeSnapshotCmd{err: fmt.Errorf("vss service unavailable")})

	summary, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ps := summary.Profiles[0]
	if ps.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %s (err %v), want completed despite snapshot failure", ps.Outcome, ps.Err)
	}
}

func TestEngineRegistersCreatedSnapshot(t *testing.T) {
	src := sourceTree(t, "a")
	profile := flatProfile("data", src)
	profile.SnapshotSource = true
	profile.SnapshotKeepSource = 2

	engine, _, _ := engineFixture(t, []config.Profile{profile})

	if _, err := engine.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	owned, err := engine.registry.Contains(snapshot.ServerLocal, "shadow-1")
	if err != nil {
		t.Fatal(err)
	}
	if !owned {
		t.Error("created snapshot was not registered")
	}
}

func TestEnginePersistentSnapshotStaysUntracked(t *testing.T) {
	src := sourceTree(t, "a")
	profile := flatProfile("data", src)
	profile.SnapshotSource = true
	profile.SnapshotKeepSource = 2
	profile.SnapshotPersistent = true

	engine, _, _ := engineFixture(t, []config.Profile{profile})

	if _, err := engine.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	entries, err := engine.registry.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("registry has %d entries, persistent snapshots must stay untracked", len(entries))
	}
}
