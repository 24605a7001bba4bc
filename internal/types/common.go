// Package types defines shared application data types.
package types

// ScanMode represents the chunk planner's scanning strategy.
type ScanMode string

const (
	// ScanModeFlat - the source root is replicated as a single chunk
	ScanModeFlat ScanMode = "flat"

	// ScanModeSmart - the source tree is partitioned into bounded chunks
	ScanModeSmart ScanMode = "smart"
)

// String returns the string representation of the scan mode.
func (s ScanMode) String() string {
	return string(s)
}

// SnapshotSide identifies which end of a replication a snapshot protects.
type SnapshotSide string

const (
	// SideSource - snapshot of the source volume
	SideSource SnapshotSide = "source"

	// SideDestination - snapshot of the destination volume
	SideDestination SnapshotSide = "destination"
)

// String returns the string representation of the snapshot side.
func (s SnapshotSide) String() string {
	return string(s)
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string into a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warning", "warn":
		return LogLevelWarning
	case "error":
		return LogLevelError
	case "critical":
		return LogLevelCritical
	case "none":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}
