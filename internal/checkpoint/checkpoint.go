// Package checkpoint persists the set of completed chunks for a session so
// an interrupted run can resume without re-copying.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/robocurse/robocurse/internal/logging"
)

const (
	// FileName is the checkpoint file name inside the active log directory.
	FileName = "robocurse-checkpoint.json"

	// FormatVersion is the only checkpoint format this engine trusts.
	// Anything else is treated as absent, never partially parsed.
	FormatVersion = "1.0"
)

// CheckpointError reports an I/O failure against the checkpoint file.
// Mid-run the orchestrator downgrades these to warnings; command paths
// that operate on the checkpoint directly surface them as-is.
type CheckpointError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("%s checkpoint %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Checkpoint is the on-disk resume record.
type Checkpoint struct {
	Version             string    `json:"Version"`
	SessionID           string    `json:"SessionId"`
	CompletedChunkPaths []string  `json:"CompletedChunkPaths"`
	CompletedCount      int       `json:"CompletedCount"`
	SavedAt             time.Time `json:"SavedAt"`
}

// Manager owns the checkpoint file for one run directory. All saves are
// serialized through the manager so concurrent chunk completions never
// interleave partial writes.
type Manager struct {
	mu     sync.Mutex
	dir    string // active log/session directory; "" falls back to cwd
	logger *logging.Logger
	clock  func() time.Time
}

// NewManager creates a checkpoint manager anchored at dir.
func NewManager(logger *logging.Logger, dir string) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock overrides the timestamp source (tests).
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	m.clock = clock
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string {
	if m.dir == "" {
		return FileName
	}
	return filepath.Join(m.dir, FileName)
}

// Save writes the current session's completed chunk paths atomically. The
// full content lands in a temporary file first; the rename makes it visible,
// so a reader never observes a truncated checkpoint.
func (m *Manager) Save(sessionID string, completedPaths []string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("no orchestration state to checkpoint: empty session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := Checkpoint{
		Version:             FormatVersion,
		SessionID:           sessionID,
		CompletedChunkPaths: completedPaths,
		CompletedCount:      len(completedPaths),
		SavedAt:             m.clock().UTC(),
	}

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := writeFileAtomic(m.Path(), data, 0o644); err != nil {
		return &CheckpointError{Op: "save", Path: m.Path(), Err: err}
	}
	m.logger.Debug("Checkpoint saved: %d completed chunk path(s)", cp.CompletedCount)
	return nil
}

// Load reads the checkpoint. A missing file, unparsable content or a
// version mismatch all return (nil, nil): callers treat absent as "start
// fresh", never as a crash.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &CheckpointError{Op: "read", Path: m.Path(), Err: err}
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.logger.Warning("Checkpoint %s is not valid JSON, starting fresh: %v", m.Path(), err)
		return nil, nil
	}
	if cp.Version != FormatVersion {
		m.logger.Warning("Checkpoint %s has version %q (expected %q), starting fresh",
			m.Path(), cp.Version, FormatVersion)
		return nil, nil
	}
	return &cp, nil
}

// Remove deletes the checkpoint file and reports whether one was present.
// In dry-run mode the intended action is logged and nothing is touched.
func (m *Manager) Remove(dryRun bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.Path()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &CheckpointError{Op: "stat", Path: m.Path(), Err: err}
	}

	if dryRun {
		m.logger.Info("[DRY RUN] Would remove checkpoint: %s", m.Path())
		return true, nil
	}

	if err := os.Remove(m.Path()); err != nil {
		return true, &CheckpointError{Op: "remove", Path: m.Path(), Err: err}
	}
	m.logger.Debug("Checkpoint removed: %s", m.Path())
	return true, nil
}

// IsChunkCompleted reports whether the chunk's source path already appears
// in the checkpoint. Matching is case-insensitive on NFC-normalized paths;
// an absent checkpoint, an empty path list, empty checkpoint entries or an
// empty chunk path never match.
func IsChunkCompleted(sourcePath string, cp *Checkpoint) bool {
	if cp == nil || len(cp.CompletedChunkPaths) == 0 {
		return false
	}
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return false
	}

	want := norm.NFC.String(sourcePath)
	for _, p := range cp.CompletedChunkPaths {
		if p == "" {
			continue
		}
		if strings.EqualFold(norm.NFC.String(p), want) {
			return true
		}
	}
	return false
}

// writeFileAtomic writes data to a unique temporary file next to path and
// renames it into place. A partially written file is never observable at
// the real path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return fmt.Errorf("invalid path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpPath := fmt.Sprintf("%s.robocurse.tmp.%d", path, time.Now().UnixNano())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	_, writeErr := f.Write(data)
	if writeErr == nil {
		writeErr = f.Chmod(perm)
	}

	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
