package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/echo"
	"github.com/godiwi/statesync/internal/run"
	"github.com/godiwi/statesync/internal/transport"
)

// OriginFilter selects which change frames cause a re-fetch.
type OriginFilter string

const (
	// FilterForeign re-fetches only on frames from other clients.
	FilterForeign OriginFilter = "foreign"
	// FilterAll re-fetches on every frame that is not a suppressed echo.
	FilterAll OriginFilter = "all"
)

// ErrInvalidFilter is returned for unknown origin filters.
var ErrInvalidFilter = errors.New("invalid origin filter")

// ParseOriginFilter parses a filter name. The empty string yields FilterForeign.
func ParseOriginFilter(s string) (OriginFilter, error) {
	switch OriginFilter(s) {
	case "", FilterForeign:
		return FilterForeign, nil
	case FilterAll:
		return FilterAll, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidFilter, s, FilterForeign, FilterAll)
	}
}

// Policy holds the settings that may change while the engine runs.
type Policy struct {
	// EchoWindow is how long after a local write its echo is swallowed (default: 1s).
	EchoWindow time.Duration `json:"echoWindow"`

	// OriginFilter selects which change frames re-fetch (default: FilterForeign).
	OriginFilter OriginFilter `json:"originFilter"`

	// ReconnectDelay schedules a re-fetch after the push connection is lost; 0 disables it.
	ReconnectDelay time.Duration `json:"reconnectDelay"`
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		EchoWindow:   echo.DefaultWindow,
		OriginFilter: FilterForeign,
	}
}

// normalize fills defaults and validates the filter.
func (p Policy) normalize() (Policy, error) {
	filter, err := ParseOriginFilter(string(p.OriginFilter))
	if err != nil {
		return p, err
	}
	p.OriginFilter = filter
	if p.EchoWindow <= 0 {
		p.EchoWindow = echo.DefaultWindow
	}
	if p.ReconnectDelay < 0 {
		p.ReconnectDelay = 0
	}
	return p, nil
}

// Alert is a failed run action, shown to the user until the next run attempt.
type Alert struct {
	Msg        string `json:"msg"`
	StatusCode int    `json:"statusCode,omitempty"`
	// Payload is the server's failure body when it is JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// alertFrom extracts the server message from a failed request.
func alertFrom(err error) Alert {
	var te *transport.Error
	if errors.As(err, &te) {
		a := Alert{Msg: te.Message(), StatusCode: te.StatusCode}
		if len(te.Body) > 0 && json.Valid(te.Body) {
			a.Payload = json.RawMessage(append([]byte(nil), te.Body...))
		}
		return a
	}
	return Alert{Msg: err.Error()}
}

// Stats counts engine activity.
type Stats struct {
	Fetches          int   `json:"fetches"`
	Writes           int   `json:"writes"`
	SuppressedEchoes int   `json:"suppressedEchoes"`
	IgnoredFrames    int   `json:"ignoredFrames"`
	DroppedFrames    int64 `json:"droppedFrames"`
}

// Status is a point-in-time copy of the engine state.
type Status struct {
	ClientID     string             `json:"clientID"`
	Document     *document.Document `json:"document"`
	Defaults     *document.Document `json:"defaults"`
	ReadOnly     bool               `json:"readOnly"`
	IsUpdating   bool               `json:"isUpdating"`
	UpdateFailed bool               `json:"updateFailed"`
	Pending      int                `json:"pending"`
	Alerts       []Alert            `json:"alerts"`
	Run          run.Snapshot       `json:"run"`
	PushLive     bool               `json:"pushLive"`
	// PushConnecting is set while the push handshake is in progress.
	PushConnecting bool   `json:"pushConnecting"`
	Policy         Policy `json:"policy"`
	Stats          Stats  `json:"stats"`
}
