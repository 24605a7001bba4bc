// Package orchestrator coordinates a replication run: the phase state
// machine, the worker scheduler driving copy-tool invocations, and the
// per-profile engine flow tying planner, snapshots and checkpoint together.
package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robocurse/robocurse/internal/chunk"
)

// Phase is the run's position in the orchestration state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProfiling
	PhaseChunking
	PhaseReplicating
	PhaseComplete
	PhaseStopped
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseProfiling:
		return "Profiling"
	case PhaseChunking:
		return "Chunking"
	case PhaseReplicating:
		return "Replicating"
	case PhaseComplete:
		return "Complete"
	case PhaseStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseStopped
}

// State is the single shared record of run progress. One instance exists
// per run; the scheduler and user-initiated stop/pause requests are the
// only writers, and every mutation goes through the mutex.
type State struct {
	mu sync.Mutex

	phase          Phase
	sessionID      string
	currentProfile string
	profileIndex   int

	completedChunks []chunk.Chunk
	completedCount  int
	failedCount     int
	activeCount     int

	stopRequested  bool
	pauseRequested bool

	startTime time.Time
}

// View is a consistent read-only snapshot of the state for progress display.
type View struct {
	Phase          Phase
	SessionID      string
	CurrentProfile string
	ProfileIndex   int
	CompletedCount int
	FailedCount    int
	ActiveCount    int
	StopRequested  bool
	PauseRequested bool
	StartTime      time.Time
}

// NewState creates the state record for a fresh run.
func NewState() *State {
	return &State{
		phase:     PhaseIdle,
		sessionID: uuid.NewString(),
		startTime: time.Now(),
	}
}

// Reset re-initializes the record for the next run. Terminal phases are
// absorbing until this is called.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.sessionID = uuid.NewString()
	s.currentProfile = ""
	s.profileIndex = 0
	s.completedChunks = nil
	s.completedCount = 0
	s.failedCount = 0
	s.activeCount = 0
	s.stopRequested = false
	s.pauseRequested = false
	s.startTime = time.Now()
}

// SessionID returns the run's stable session identifier.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Advance moves the state machine forward. Transitions are monotonic:
// a terminal phase absorbs every request, and the machine never moves
// backwards. Returns whether the transition happened.
func (s *State) Advance(next Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.terminal() {
		return false
	}
	if next != PhaseStopped && next <= s.phase {
		return false
	}
	s.phase = next
	return true
}

// SetProfile records which profile the run is working on.
func (s *State) SetProfile(name string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProfile = name
	s.profileIndex = index
}

// RequestStop raises the cooperative stop flag. In-flight chunks drain;
// no new chunks are dispatched.
func (s *State) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
}

// StopRequested reports whether a stop has been requested.
func (s *State) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// RequestPause raises or clears the cooperative pause flag.
func (s *State) RequestPause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseRequested = paused
}

// PauseRequested reports whether a pause has been requested.
func (s *State) PauseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseRequested
}

// MarkChunkComplete appends a successfully copied chunk.
func (s *State) MarkChunkComplete(c chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedChunks = append(s.completedChunks, c)
	s.completedCount++
}

// MarkChunkFailed records a permanently failed chunk.
func (s *State) MarkChunkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCount++
}

// IncActive tracks a worker picking up a chunk.
func (s *State) IncActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount++
}

// DecActive tracks a worker finishing a chunk.
func (s *State) DecActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCount--
}

// CompletedPaths returns the source paths of chunks completed this run.
func (s *State) CompletedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.completedChunks))
	for _, c := range s.completedChunks {
		paths = append(paths, c.SourcePath)
	}
	return paths
}

// Snapshot returns a consistent view for progress readers. The critical
// section is brief so readers never block writers for long.
func (s *State) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Phase:          s.phase,
		SessionID:      s.sessionID,
		CurrentProfile: s.currentProfile,
		ProfileIndex:   s.profileIndex,
		CompletedCount: s.completedCount,
		FailedCount:    s.failedCount,
		ActiveCount:    s.activeCount,
		StopRequested:  s.stopRequested,
		PauseRequested: s.pauseRequested,
		StartTime:      s.startTime,
	}
}
