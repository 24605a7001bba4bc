package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robocurse/robocurse/internal/types"
	"github.com/robocurse/robocurse/pkg/utils"
)

// Session is the active log directory for a run. The directory is stable
// across runs (each run adds its own timestamped log files) so that the
// resume checkpoint written next to the logs survives an interrupted run.
type Session struct {
	Dir     string
	LogPath string
}

// StartSession opens a real-time run log inside the log directory
// (os.TempDir()/robocurse fallback). The caller receives the configured
// logger, the session, and a cleanup function that must be invoked when the
// run completes.
func StartSession(flow, logDir string, level types.LogLevel, useColor bool) (*Logger, *Session, func(), error) {
	flow = utils.SanitizeName(flow)
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), "robocurse")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create session log directory: %w", err)
	}

	hostname := detectHostname()
	timestamp := time.Now().Format("20060102-150405")
	logName := fmt.Sprintf("%s-%s-%s.log", flow, hostname, timestamp)
	logPath := filepath.Join(logDir, logName)

	logger := New(level, useColor)
	if err := logger.OpenLogFile(logPath); err != nil {
		return nil, nil, nil, err
	}

	session := &Session{Dir: logDir, LogPath: logPath}
	cleanup := func() {
		_ = logger.CloseLogFile()
	}

	return logger, session, cleanup, nil
}

// ChunkLogPath returns the log file path for one copy-tool invocation.
func (s *Session) ChunkLogPath(profile string, chunkID int) string {
	if s == nil || s.Dir == "" {
		return ""
	}
	return filepath.Join(s.Dir, fmt.Sprintf("%s-chunk-%04d.log", utils.SanitizeName(profile), chunkID))
}

func detectHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "host"
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return "host"
	}
	return utils.SanitizeName(host)
}
