package fdloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State machine:
//
//	StateAwake → StateRunning              [Run()]
//	StateRunning → StateSleeping           [poll, via CAS]
//	StateSleeping → StateRunning           [wake, via CAS]
//	StateRunning/Sleeping → StateTerminating [Shutdown()/Close()/ctx]
//	StateTerminating → StateTerminated     [drain complete]
//	StateTerminated → (terminal)
//
// Temporary states (Running, Sleeping) transition via CAS; irreversible
// states (Terminated) via Store.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing jobs.
	StateRunning
	// StateSleeping indicates the loop is blocked in poll waiting for events.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state cell for the loop lifecycle.
type loopStateMachine struct {
	v atomic.Uint64
}

// Load returns the current state atomically.
func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Reserved for irreversible states.
func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another,
// reporting whether it succeeded.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
