// Package robocopy wraps the external copy tool: argument building, process
// control and exit-code classification. The engine consumes the tool's exit
// taxonomy; it does not redesign it.
package robocopy

// Severity classifies a copy-tool exit code.
type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Robocopy exit codes are a bitmask:
//
//	1 = files copied, 2 = extra files, 4 = mismatches,
//	8 = copy failures, 16 = fatal error (bad usage, no access).
const (
	exitFlagFailures = 8
	exitFlagFatal    = 16
)

// Classification is the engine-facing verdict on one tool invocation.
type Classification struct {
	ExitCode  int
	Severity  Severity
	Retryable bool
}

// Classify maps a raw exit code onto the severity taxonomy.
// Codes 0-7 indicate success or benign differences, 8-15 indicate copy
// failures worth retrying, and anything with the fatal bit set aborts the
// profile.
func Classify(exitCode int) Classification {
	c := Classification{ExitCode: exitCode}
	switch {
	case exitCode < 0:
		// Killed by signal or never started.
		c.Severity = SeverityError
		c.Retryable = true
	case exitCode&exitFlagFatal != 0:
		c.Severity = SeverityFatal
	case exitCode&exitFlagFailures != 0:
		c.Severity = SeverityError
		c.Retryable = true
	case exitCode == 0:
		c.Severity = SeveritySuccess
	default:
		// 1-7: copies happened, extras or mismatches were seen.
		c.Severity = SeverityWarning
	}
	return c
}
