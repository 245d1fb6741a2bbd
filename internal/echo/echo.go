// Package echo recognizes change notifications caused by the client's own writes.
//
// The push channel notifies every client of every change, including the client that
// made it. A Suppressor is armed when a local write is issued and swallows the first
// same-origin notification that arrives within its window. It is a one-shot marker,
// not a debounce: each arm suppresses at most one notification.
//
//	s := echo.New(time.Second, nil)
//	s.Arm()      // write issued
//	s.Confirm()  // write acknowledged, window restarts
//	if s.Consume() {
//	    // notification was our own echo, skip the re-fetch
//	}
//
// A Suppressor is not safe for concurrent use; it belongs to the sync engine loop.
package echo

import "time"

// DefaultWindow is how long after a local write an echo is expected.
const DefaultWindow = 1000 * time.Millisecond

// Suppressor is a time-boxed one-shot echo marker.
type Suppressor struct {
	window time.Duration
	now    func() time.Time

	armed bool
	stamp time.Time
}

// New creates a disarmed suppressor. A window <= 0 uses DefaultWindow and a nil
// clock uses time.Now.
func New(window time.Duration, now func() time.Time) *Suppressor {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Suppressor{window: window, now: now}
}

// Window returns the current suppression window.
func (s *Suppressor) Window() time.Duration {
	return s.window
}

// SetWindow changes the window; an armed marker keeps its timestamp.
func (s *Suppressor) SetWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	s.window = window
}

// Arm sets the marker for a write that was just issued.
func (s *Suppressor) Arm() {
	s.armed = true
	s.stamp = s.now()
}

// Confirm restarts the window for a write that completed successfully. A marker
// that was already consumed stays consumed.
func (s *Suppressor) Confirm() {
	if s.armed {
		s.stamp = s.now()
	}
}

// Disarm clears the marker, e.g. when the write failed and no echo will follow.
func (s *Suppressor) Disarm() {
	s.armed = false
}

// Armed reports whether a marker is pending.
func (s *Suppressor) Armed() bool {
	return s.armed
}

// Consume reports whether a notification should be swallowed as an echo. It returns
// true at most once per Arm and only inside the window. An expired marker is cleared.
func (s *Suppressor) Consume() bool {
	if !s.armed {
		return false
	}
	s.armed = false
	return s.now().Sub(s.stamp) <= s.window
}
