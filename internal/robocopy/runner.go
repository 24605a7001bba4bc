package robocopy

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when the tool does not exit in time.
// The scheduler treats it as a retryable error, never fatal.
var ErrTimeout = errors.New("copy tool did not exit within timeout")

// DefaultBinary is the copy tool invoked when no override is configured.
const DefaultBinary = "robocopy"

// Runner starts copy-tool processes.
type Runner interface {
	Start(source, dest string, copyArgs []string, logPath string) (Process, error)
}

// Process is a handle on one in-flight copy-tool invocation.
type Process interface {
	// Poll reports whether the process is still running; once it has
	// exited, the exit code is returned.
	Poll() (running bool, exitCode int)

	// Wait blocks until the process exits or the timeout elapses.
	Wait(timeout time.Duration) (int, error)
}

// ExecRunner runs the real copy tool through os/exec.
type ExecRunner struct {
	Binary string
}

// NewExecRunner returns a runner for the given binary ("" uses the default).
func NewExecRunner(binary string) *ExecRunner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecRunner{Binary: binary}
}

// Start launches one invocation. The process is never killed by this layer;
// cancellation is cooperative and happens between chunk dispatches.
func (r *ExecRunner) Start(source, dest string, copyArgs []string, logPath string) (Process, error) {
	argv := CommandLine(source, dest, copyArgs, logPath)
	cmd := exec.Command(r.Binary, argv...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.Binary, err)
	}

	p := &execProcess{done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		code := exitCodeFromError(cmd, err)
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	mu       sync.Mutex
	exitCode int
	done     chan struct{}
}

func (p *execProcess) Poll() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return false, p.exitCode
	default:
		return true, 0
	}
}

func (p *execProcess) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.done
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if err == nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
