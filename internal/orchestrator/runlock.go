package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/pkg/utils"
)

// maxLockAge bounds how long a lock from a dead or unidentifiable process
// is honored before being treated as stale.
const maxLockAge = 24 * time.Hour

// LockContentionError reports a duplicate-run attempt for a profile.
// Refused, never retried automatically.
type LockContentionError struct {
	Profile  string
	LockPath string
	Holder   string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("profile %q is already running (%s, lock %s)", e.Profile, e.Holder, e.LockPath)
}

// RunLock is a per-profile advisory lock preventing the same profile from
// replicating twice concurrently, in this process or another. The lock name
// derives deterministically from the sanitized profile name, and liveness
// is tied to the holding process, never to a reboot.
type RunLock struct {
	path    string
	profile string
	logger  *logging.Logger
}

// LockPathFor returns the deterministic lock file path for a profile.
func LockPathFor(lockDir, profile string) string {
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	return filepath.Join(lockDir, fmt.Sprintf("robocurse-%s.lock", utils.SanitizeName(profile)))
}

// AcquireRunLock registers this process as the profile's runner. Acquiring
// a lock this process already holds succeeds (idempotent self-registration).
// A lock held by a live foreign process yields a LockContentionError; a
// stale lock (dead pid, or unreadable and older than maxLockAge) is
// replaced.
func AcquireRunLock(logger *logging.Logger, lockDir, profile string) (*RunLock, error) {
	lockPath := LockPathFor(lockDir, profile)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			hostname, _ := os.Hostname()
			content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n",
				os.Getpid(), hostname, time.Now().Format(time.RFC3339))
			if _, werr := f.WriteString(content); werr != nil {
				f.Close()
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			f.Close()
			logger.Debug("Acquired run lock for profile %q (%s)", profile, lockPath)
			return &RunLock{path: lockPath, profile: profile, logger: logger}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", lockPath, err)
		}

		pid, holder := readLockHolder(lockPath)
		if pid == os.Getpid() {
			// Re-registration by the owner is a no-op success.
			logger.Debug("Run lock for profile %q already held by this process", profile)
			return &RunLock{path: lockPath, profile: profile, logger: logger}, nil
		}
		if pid > 0 && processAlive(pid) {
			return nil, &LockContentionError{Profile: profile, LockPath: lockPath, Holder: holder}
		}

		info, serr := os.Stat(lockPath)
		if pid <= 0 && serr == nil && time.Since(info.ModTime()) <= maxLockAge {
			return nil, &LockContentionError{Profile: profile, LockPath: lockPath, Holder: holder}
		}

		logger.Warning("Removing stale run lock for profile %q (%s)", profile, holder)
		if rerr := os.Remove(lockPath); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale lock %s: %w", lockPath, rerr)
		}
		// Retry creation; another contender may win the race, in which
		// case the next iteration reports contention.
	}
}

// Release unregisters the profile run. Safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock %s: %w", l.path, err)
	}
	l.logger.Debug("Released run lock for profile %q", l.profile)
	return nil
}

// IsProfileRunning reports whether a live process currently holds the
// profile's run lock.
func IsProfileRunning(lockDir, profile string) bool {
	lockPath := LockPathFor(lockDir, profile)
	pid, _ := readLockHolder(lockPath)
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}

func readLockHolder(lockPath string) (pid int, holder string) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, "unknown holder"
	}
	holder = "unknown holder"
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			if n, err := strconv.Atoi(v); err == nil {
				pid = n
			}
		}
		if v, ok := strings.CutPrefix(line, "host="); ok && v != "" {
			holder = "held by " + v
		}
	}
	if pid > 0 {
		holder = fmt.Sprintf("%s, pid %d", holder, pid)
	}
	return pid, holder
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
