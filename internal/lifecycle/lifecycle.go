package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase reported by /health.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseReady        Phase = "ready"
	PhaseShuttingDown Phase = "shutting-down"
)

// State tracks whether the model and reference table are loaded and whether
// the process is draining. The zero value is starting.
type State struct {
	ready        atomic.Bool
	shuttingDown atomic.Bool
}

// MarkReady records that the model and reference table are loaded.
func (s *State) MarkReady() {
	s.ready.Store(true)
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health returns 503 with status shutting-down while true.
func (s *State) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func (s *State) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Phase returns the current phase. Shutting down wins over ready.
func (s *State) Phase() Phase {
	switch {
	case s.shuttingDown.Load():
		return PhaseShuttingDown
	case s.ready.Load():
		return PhaseReady
	default:
		return PhaseStarting
	}
}
