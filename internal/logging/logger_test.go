package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/robocurse/robocurse/internal/types"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelWarning, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warning("warning message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("levels above threshold were written:\n%s", out)
	}
	if !strings.Contains(out, "warning message") || !strings.Contains(out, "error message") {
		t.Errorf("levels at/below threshold missing:\n%s", out)
	}
}

func TestWarningAndErrorCounters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)

	if logger.HasWarnings() || logger.HasErrors() {
		t.Error("fresh logger reports warnings/errors")
	}

	logger.Info("fine")
	if logger.HasWarnings() || logger.HasErrors() {
		t.Error("info message counted as warning/error")
	}

	logger.Warning("careful")
	if !logger.HasWarnings() {
		t.Error("HasWarnings() = false after a warning")
	}
	if logger.HasErrors() {
		t.Error("warning counted as error")
	}

	logger.Critical("bad")
	if !logger.HasErrors() {
		t.Error("HasErrors() = false after a critical")
	}
}

func TestSuppressedMessagesAreNotCounted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelNone, false)
	logger.SetOutput(&buf)

	logger.Warning("suppressed")
	logger.Error("suppressed")

	if logger.HasWarnings() || logger.HasErrors() {
		t.Error("suppressed messages incremented the counters")
	}
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote output: %q", buf.String())
	}
}

func TestLabeledOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logger.Phase("entering replication")
	logger.Step("worker pool sized")
	logger.Skip("chunk already done")

	out := buf.String()
	for _, label := range []string{"PHASE", "STEP", "SKIP"} {
		if !strings.Contains(out, label) {
			t.Errorf("output missing %s label:\n%s", label, out)
		}
	}
}

func TestColorCodes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&buf)
	logger.Info("colored")
	if !strings.Contains(buf.String(), "\033[") {
		t.Error("color-enabled logger produced no escape codes")
	}

	buf.Reset()
	plain := New(types.LogLevelInfo, false)
	plain.SetOutput(&buf)
	plain.Info("plain")
	if strings.Contains(buf.String(), "\033[") {
		t.Error("color-disabled logger produced escape codes")
	}
}

func TestLogFileMirrorsWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&buf)

	logPath := t.TempDir() + "/test.log"
	if err := logger.OpenLogFile(logPath); err != nil {
		t.Fatalf("OpenLogFile() error = %v", err)
	}
	if logger.GetLogFilePath() != logPath {
		t.Errorf("GetLogFilePath() = %q", logger.GetLogFilePath())
	}

	logger.Info("file-bound message")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile() error = %v", err)
	}
	if logger.GetLogFilePath() != "" {
		t.Error("GetLogFilePath() non-empty after close")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "file-bound message") {
		t.Errorf("log file missing message:\n%s", data)
	}
	if strings.Contains(string(data), "\033[") {
		t.Error("log file contains color escapes")
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)

	exitCode := -1
	logger.SetExitFunc(func(code int) { exitCode = code })

	logger.Fatal(types.ExitConfigError, "cannot continue")
	if exitCode != types.ExitConfigError.Int() {
		t.Errorf("exit code = %d, want %d", exitCode, types.ExitConfigError.Int())
	}
	if !strings.Contains(buf.String(), "cannot continue") {
		t.Error("fatal message not logged before exit")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelNone, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.SetLevel(types.LogLevelInfo)
	logger.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("message logged below threshold")
	}
	if !strings.Contains(out, "visible") {
		t.Error("message missing after SetLevel")
	}
}
