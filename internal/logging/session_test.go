package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/robocurse/robocurse/internal/types"
)

func TestStartSessionCreatesLogFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	logger, session, cleanup, err := StartSession("Replicate All!", logDir, types.LogLevelInfo, false)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer cleanup()

	if session.Dir != logDir {
		t.Errorf("session.Dir = %q, want %q", session.Dir, logDir)
	}
	if filepath.Dir(session.LogPath) != logDir {
		t.Errorf("LogPath %q is outside the session directory", session.LogPath)
	}

	name := filepath.Base(session.LogPath)
	if !strings.HasPrefix(name, "replicate-all-") {
		t.Errorf("log name = %q, want sanitized flow prefix", name)
	}
	if !strings.HasSuffix(name, ".log") {
		t.Errorf("log name = %q, want .log suffix", name)
	}

	logger.Info("run started")
	cleanup()

	data, err := os.ReadFile(session.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "run started") {
		t.Error("session log missing the logged message")
	}
}

func TestSessionDirIsStableAcrossRuns(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	_, first, cleanup1, err := StartSession("replicate", logDir, types.LogLevelNone, false)
	if err != nil {
		t.Fatal(err)
	}
	cleanup1()

	_, second, cleanup2, err := StartSession("replicate", logDir, types.LogLevelNone, false)
	if err != nil {
		t.Fatal(err)
	}
	cleanup2()

	// Resume state written next to the logs must survive a new session.
	if first.Dir != second.Dir {
		t.Errorf("session dirs differ across runs: %q vs %q", first.Dir, second.Dir)
	}
}

func TestChunkLogPath(t *testing.T) {
	s := &Session{Dir: "/var/log/robocurse"}

	got := s.ChunkLogPath("My Data", 7)
	want := filepath.Join("/var/log/robocurse", "my-data-chunk-0007.log")
	if got != want {
		t.Errorf("ChunkLogPath() = %q, want %q", got, want)
	}

	var nilSession *Session
	if nilSession.ChunkLogPath("x", 0) != "" {
		t.Error("nil session returned a chunk log path")
	}
	empty := &Session{}
	if empty.ChunkLogPath("x", 0) != "" {
		t.Error("empty session returned a chunk log path")
	}
}
