package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration or profile validation error.
	ExitConfigError ExitCode = 2

	// ExitReplicationError - Error during the replication run (generic).
	ExitReplicationError ExitCode = 3

	// ExitCopyToolError - The external copy tool reported a non-recoverable error.
	ExitCopyToolError ExitCode = 4

	// ExitSnapshotError - Snapshot creation or deletion failure.
	ExitSnapshotError ExitCode = 5

	// ExitCheckpointError - Error saving or loading the resume checkpoint.
	ExitCheckpointError ExitCode = 6

	// ExitLockError - Another run already holds the profile lock.
	ExitLockError ExitCode = 7

	// ExitStoppedError - The run was stopped before completing.
	ExitStoppedError ExitCode = 8

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 9
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitReplicationError:
		return "replication error"
	case ExitCopyToolError:
		return "copy tool error"
	case ExitSnapshotError:
		return "snapshot error"
	case ExitCheckpointError:
		return "checkpoint error"
	case ExitLockError:
		return "lock contention"
	case ExitStoppedError:
		return "stopped"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
