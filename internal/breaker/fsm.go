// Package breaker implements a circuit breaker as a pure state machine plus
// a small concurrency-safe wrapper.
package breaker

import "time"

type Phase string

const (
	Closed   Phase = "closed"
	Open     Phase = "open"
	HalfOpen Phase = "half_open"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
)

type Settings struct {
	Threshold int
	Cooldown  time.Duration
}

func DefaultSettings() Settings {
	return Settings{Threshold: 5, Cooldown: 60 * time.Second}
}

// State is the whole breaker state as plain data.
type State struct {
	Phase    Phase
	Failures int
	OpenedAt time.Time
	// Trial is set while the single half-open probe is in flight.
	Trial bool
}

// Allow decides whether a call may go through at now, returning the state
// to keep. An open breaker whose cooldown elapsed becomes half-open and
// admits exactly one trial.
func Allow(s State, cfg Settings, now time.Time) (State, bool) {
	switch s.Phase {
	case Open:
		if now.Sub(s.OpenedAt) < cfg.Cooldown {
			return s, false
		}
		return State{Phase: HalfOpen, OpenedAt: s.OpenedAt, Trial: true}, true
	case HalfOpen:
		if s.Trial {
			return s, false
		}
		s.Trial = true
		return s, true
	default:
		return s, true
	}
}

// Next returns the state after a call finished with outcome at now.
func Next(s State, cfg Settings, o Outcome, now time.Time) State {
	if o == Success {
		return State{Phase: Closed}
	}
	switch s.Phase {
	case HalfOpen:
		return State{Phase: Open, OpenedAt: now}
	case Open:
		return s
	default:
		failures := s.Failures + 1
		if failures >= cfg.Threshold {
			return State{Phase: Open, OpenedAt: now, Failures: failures}
		}
		return State{Phase: Closed, Failures: failures}
	}
}

// Abort releases a half-open trial whose call ended without an outcome,
// such as a caller cancellation.
func Abort(s State) State {
	s.Trial = false
	return s
}
