// Package lifecycle tracks the proxy's serving phase for the health check.
package lifecycle

import "sync/atomic"

// Phase is the process phase reported by the health endpoint.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// State holds the current phase. The zero value is PhaseStarting.
type State struct {
	phase atomic.Int32
}

// MarkServing records that the listener is accepting traffic.
func (s *State) MarkServing() {
	s.phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseServing))
}

// BeginDrain records that shutdown started. It returns false if draining had already begun.
func (s *State) BeginDrain() bool {
	return Phase(s.phase.Swap(int32(PhaseDraining))) != PhaseDraining
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// IsShuttingDown reports whether new traffic should be refused.
func (s *State) IsShuttingDown() bool {
	return s.Phase() == PhaseDraining
}
