package run

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(s string) Event {
	return Event{Kind: EventResult, Result: json.RawMessage(s)}
}

func TestSession_StartsIdleAndDone(t *testing.T) {
	s := NewSession()
	assert.Equal(t, Idle, s.State())
	assert.True(t, s.IsDone())
	assert.Empty(t, s.Results())
}

func TestSession_FullRun(t *testing.T) {
	s := NewSession()

	require.True(t, s.Apply(Event{Kind: EventBegin, RunID: "r1"}))
	assert.False(t, s.IsDone())

	require.True(t, s.Apply(result(`"A"`)))
	require.True(t, s.Apply(result(`"B"`)))
	require.True(t, s.Apply(Event{Kind: EventFinished}))

	assert.Equal(t, Finished, s.State())
	assert.True(t, s.IsDone())
	assert.Equal(t, []json.RawMessage{json.RawMessage(`"A"`), json.RawMessage(`"B"`)}, s.Results())
	assert.Equal(t, "r1", s.Snapshot().RunID)
}

func TestSession_BeginResetsResults(t *testing.T) {
	s := NewSession()
	s.Apply(Event{Kind: EventBegin})
	s.Apply(result(`1`))

	// Begin while running
	require.True(t, s.Apply(Event{Kind: EventBegin}))
	assert.Equal(t, Running, s.State())
	assert.Empty(t, s.Results())

	// Begin after finishing
	s.Apply(result(`2`))
	s.Apply(Event{Kind: EventFinished})
	require.True(t, s.Apply(Event{Kind: EventBegin}))
	assert.Equal(t, Running, s.State())
	assert.Empty(t, s.Results())
}

func TestSession_FinishedOnlyFromRunning(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Apply(Event{Kind: EventFinished}), "idle cannot finish")
	assert.Equal(t, Idle, s.State())

	s.Apply(Event{Kind: EventBegin})
	s.Apply(Event{Kind: EventFinished})
	assert.False(t, s.Apply(Event{Kind: EventFinished}), "finished cannot finish again")
	assert.Equal(t, Finished, s.State())
}

func TestSession_ResultWithoutBeginIsIgnored(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Apply(result(`"stray"`)))
	assert.Empty(t, s.Results())

	s.Apply(Event{Kind: EventBegin})
	s.Apply(Event{Kind: EventFinished})
	assert.False(t, s.Apply(result(`"late"`)))
	assert.Empty(t, s.Results())
}

func TestSession_ResultsAreCopies(t *testing.T) {
	s := NewSession()
	s.Apply(Event{Kind: EventBegin})
	payload := json.RawMessage(`"x"`)
	s.Apply(Event{Kind: EventResult, Result: payload})
	payload[1] = 'y'

	got := s.Results()
	assert.Equal(t, `"x"`, string(got[0]))
	got[0][1] = 'z'
	assert.Equal(t, `"x"`, string(s.Results()[0]))
}

func TestSession_UnknownEventKind(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Apply(Event{Kind: EventKind(9)}))
	assert.Equal(t, "unknown", EventKind(9).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, st := range []State{Idle, Running, Finished} {
		text, err := st.MarshalText()
		require.NoError(t, err)

		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, st, back)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
