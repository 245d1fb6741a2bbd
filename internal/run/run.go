// Package run tracks the lifecycle of a job-server run from its push-channel progress frames.
//
// A Session only moves on Events: Begin starts (or restarts) a run and clears the
// results, Result appends to a running run, Finished ends it. Results that arrive
// while no run is active are ignored, so results always belong to the run that the
// most recent Begin announced.
package run

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a run.
type State int

const (
	// Idle means no run has been observed yet.
	Idle State = iota
	// Running means a Begin was seen and no Finished yet.
	Running
	// Finished means the last run reported completion.
	Finished
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "finished":
		*s = Finished
	default:
		return fmt.Errorf("unknown run state %q", string(text))
	}
	return nil
}

// EventKind discriminates run events.
type EventKind int

const (
	// EventBegin announces a new run.
	EventBegin EventKind = iota
	// EventResult carries one result of the current run.
	EventResult
	// EventFinished announces the end of the current run.
	EventFinished
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventResult:
		return "result"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is a single run progress notification.
type Event struct {
	Kind   EventKind
	RunID  string
	Result json.RawMessage
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	State   State             `json:"state"`
	IsDone  bool              `json:"isDone"`
	RunID   string            `json:"runID,omitempty"`
	Results []json.RawMessage `json:"results"`
}

// Session is the run state machine. It is not safe for concurrent use.
type Session struct {
	state   State
	runID   string
	results []json.RawMessage
}

// NewSession creates an idle session.
func NewSession() *Session {
	return &Session{results: []json.RawMessage{}}
}

// Apply feeds one event into the session and reports whether it changed anything.
//
//   - Begin: any state -> Running, results cleared
//   - Result: appended while Running, ignored otherwise
//   - Finished: Running -> Finished, ignored otherwise
func (s *Session) Apply(ev Event) bool {
	switch ev.Kind {
	case EventBegin:
		s.state = Running
		s.runID = ev.RunID
		s.results = []json.RawMessage{}
		return true

	case EventResult:
		if s.state != Running {
			return false
		}
		s.results = append(s.results, append(json.RawMessage(nil), ev.Result...))
		return true

	case EventFinished:
		if s.state != Running {
			return false
		}
		s.state = Finished
		return true

	default:
		return false
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// IsDone is true unless a run is in progress.
func (s *Session) IsDone() bool {
	return s.state != Running
}

// Results returns a copy of the results of the current or last run, in arrival order.
func (s *Session) Results() []json.RawMessage {
	out := make([]json.RawMessage, len(s.results))
	for i, r := range s.results {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:   s.state,
		IsDone:  s.IsDone(),
		RunID:   s.runID,
		Results: s.Results(),
	}
}
