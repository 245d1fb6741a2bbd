package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/godiwi/statesync/internal/run"
)

var (
	// ErrMissingState is returned for frames without a state discriminant.
	ErrMissingState = errors.New("frame has no state")
	// ErrUnknownState is returned for frames with an unknown state discriminant.
	ErrUnknownState = errors.New("frame has unknown state")
)

// Kind is the state discriminant of a push frame.
type Kind int

const (
	// KindChanged signals that the server document changed.
	KindChanged Kind = 0
	// KindResult carries one run result.
	KindResult Kind = 1
	// KindBegin signals that a run started.
	KindBegin Kind = 2
	// KindFinished signals that a run ended.
	KindFinished Kind = 3
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindChanged:
		return "changed"
	case KindResult:
		return "result"
	case KindBegin:
		return "begin"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Frame is one decoded push notification.
type Frame struct {
	Kind     Kind            `json:"state"`
	ClientID string          `json:"clientID,omitempty"` // origin of a KindChanged frame
	RunID    string          `json:"runID,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// DecodeFrame parses a textual frame. The state field is mandatory.
func DecodeFrame(data []byte) (Frame, error) {
	var raw struct {
		State    *int            `json:"state"`
		ClientID string          `json:"clientID"`
		RunID    string          `json:"runID"`
		Result   json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if raw.State == nil {
		return Frame{}, ErrMissingState
	}

	kind := Kind(*raw.State)
	if kind < KindChanged || kind > KindFinished {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownState, *raw.State)
	}

	return Frame{
		Kind:     kind,
		ClientID: raw.ClientID,
		RunID:    raw.RunID,
		Result:   raw.Result,
	}, nil
}

// Encode returns the wire form of the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// RunEvent converts a run progress frame into a run.Event. It returns false for
// KindChanged frames.
func (f Frame) RunEvent() (run.Event, bool) {
	switch f.Kind {
	case KindBegin:
		return run.Event{Kind: run.EventBegin, RunID: f.RunID}, true
	case KindResult:
		return run.Event{Kind: run.EventResult, RunID: f.RunID, Result: f.Result}, true
	case KindFinished:
		return run.Event{Kind: run.EventFinished, RunID: f.RunID}, true
	default:
		return run.Event{}, false
	}
}
