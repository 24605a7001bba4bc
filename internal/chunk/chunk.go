// Package chunk partitions a profile's source tree into bounded copy units.
package chunk

// Chunk is one bounded unit of the source tree, copied by a single
// copy-tool invocation. Chunks are immutable once planned.
type Chunk struct {
	// ID is the sequence number within the profile's plan.
	ID int

	SourcePath string
	DestPath   string

	// CopyArgs are the tool-specific flags derived from the profile.
	CopyArgs []string

	// Planning estimates only; never used for correctness.
	EstFiles int
	EstBytes int64
}

// Warning records a non-fatal planning problem (typically an unreadable
// subdirectory that was skipped).
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return w.Path + ": " + w.Err.Error()
}
