package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handler callbacks.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	closes []error
}

func (r *recorder) HandleFrame(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) HandleClose(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, err)
}

func (r *recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closes)
}

// pushServer is a WebSocket endpoint that writes whatever is sent on out.
type pushServer struct {
	*httptest.Server
	out     chan []byte
	binary  chan []byte
	hangup  chan struct{}
	headers chan http.Header
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		out:     make(chan []byte, 16),
		binary:  make(chan []byte, 16),
		hangup:  make(chan struct{}),
		headers: make(chan http.Header, 4),
	}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.headers <- r.Header.Clone()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case data := <-ps.out:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			case data := <-ps.binary:
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
			case <-ps.hangup:
				conn.Close(websocket.StatusGoingAway, "bye")
				return
			case <-ctx.Done():
				return
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http")
}

func newTestListener(h Handler) *Listener {
	return NewListener(h, &Config{
		DialTimeout: 2 * time.Second,
		Header:      http.Header{"Client-ID": {"client-a"}},
		Logger:      log.New(io.Discard),
	})
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Frame
		wantErr error
	}{
		{"Changed", `{"state":0,"clientID":"abc"}`, Frame{Kind: KindChanged, ClientID: "abc"}, nil},
		{"Changed Without Origin", `{"state":0}`, Frame{Kind: KindChanged}, nil},
		{"Begin", `{"state":2,"runID":"r1"}`, Frame{Kind: KindBegin, RunID: "r1"}, nil},
		{"Finished", `{"state":3}`, Frame{Kind: KindFinished}, nil},
		{"Missing State", `{"clientID":"abc"}`, Frame{}, ErrMissingState},
		{"Unknown State", `{"state":7}`, Frame{}, ErrUnknownState},
		{"Negative State", `{"state":-1}`, Frame{}, ErrUnknownState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.in))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Result Payload", func(t *testing.T) {
		got, err := DecodeFrame([]byte(`{"state":1,"result":{"source":"/a","ok":true}}`))
		require.NoError(t, err)
		assert.Equal(t, KindResult, got.Kind)
		assert.JSONEq(t, `{"source":"/a","ok":true}`, string(got.Result))
	})

	t.Run("Not JSON", func(t *testing.T) {
		_, err := DecodeFrame([]byte("hello"))
		assert.Error(t, err)
	})
}

func TestFrame_RunEvent(t *testing.T) {
	_, ok := Frame{Kind: KindChanged}.RunEvent()
	assert.False(t, ok)

	ev, ok := Frame{Kind: KindBegin, RunID: "r"}.RunEvent()
	require.True(t, ok)
	assert.Equal(t, "r", ev.RunID)
}

func TestListener_ReceivesFrames(t *testing.T) {
	ps := newPushServer(t)
	rec := &recorder{}
	l := newTestListener(rec)
	assert.Equal(t, StateClosed, l.State())
	assert.False(t, l.Live())

	require.NoError(t, l.Connect(context.Background(), ps.wsURL()))
	defer l.Close()

	assert.Equal(t, StateOpen, l.State())
	assert.True(t, l.Live())

	hdr := <-ps.headers
	assert.Equal(t, "client-a", hdr.Get("Client-ID"))

	ps.out <- []byte(`{"state":0,"clientID":"other"}`)
	ps.out <- []byte(`not json`)
	ps.out <- []byte(`{"state":9}`)
	ps.binary <- []byte(`{"state":0}`)
	ps.out <- []byte(`{"state":2,"runID":"r1"}`)

	require.Eventually(t, func() bool { return len(rec.Frames()) == 2 }, 2*time.Second, 10*time.Millisecond)
	frames := rec.Frames()
	assert.Equal(t, KindChanged, frames[0].Kind)
	assert.Equal(t, "other", frames[0].ClientID)
	assert.Equal(t, KindBegin, frames[1].Kind)

	assert.Equal(t, int64(2), l.Received())
	assert.Eventually(t, func() bool { return l.Dropped() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestListener_DropsOversizedFrame(t *testing.T) {
	ps := newPushServer(t)
	rec := &recorder{}
	l := NewListener(rec, &Config{
		DialTimeout: 2 * time.Second,
		ReadLimit:   1024,
		Logger:      log.New(io.Discard),
	})

	require.NoError(t, l.Connect(context.Background(), ps.wsURL()))
	defer l.Close()

	big := `{"state":1,"runID":"r1","result":"` + strings.Repeat("x", 2048) + `"}`
	ps.out <- []byte(big)
	ps.out <- []byte(`{"state":2,"runID":"r1"}`)

	require.Eventually(t, func() bool { return len(rec.Frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, KindBegin, rec.Frames()[0].Kind)
	assert.Equal(t, int64(1), l.Dropped())
	assert.Equal(t, StateOpen, l.State(), "connection survives")
	assert.Equal(t, 0, rec.Closes())
}

func TestListener_SecondConnectWhileLive(t *testing.T) {
	ps := newPushServer(t)
	l := newTestListener(&recorder{})

	require.NoError(t, l.Connect(context.Background(), ps.wsURL()))
	defer l.Close()

	err := l.Connect(context.Background(), ps.wsURL())
	assert.ErrorIs(t, err, ErrLive)
}

func TestListener_ServerClose(t *testing.T) {
	ps := newPushServer(t)
	rec := &recorder{}
	l := newTestListener(rec)

	require.NoError(t, l.Connect(context.Background(), ps.wsURL()))
	close(ps.hangup)

	require.Eventually(t, func() bool { return rec.Closes() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, l.State())
	assert.False(t, l.Live())

	// A fresh connection is allowed once closed.
	ps2 := newPushServer(t)
	require.NoError(t, l.Connect(context.Background(), ps2.wsURL()))
	assert.True(t, l.Live())
	require.NoError(t, l.Close())
}

func TestListener_CloseDoesNotNotify(t *testing.T) {
	ps := newPushServer(t)
	rec := &recorder{}
	l := newTestListener(rec)

	require.NoError(t, l.Connect(context.Background(), ps.wsURL()))
	require.NoError(t, l.Close())

	assert.Equal(t, StateClosed, l.State())
	assert.Equal(t, 0, rec.Closes())
	require.NoError(t, l.Close(), "closing twice is a no-op")
}

func TestListener_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	l := newTestListener(&recorder{})
	err := l.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Equal(t, StateClosed, l.State())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", ConnState(9).String())
	assert.Equal(t, "result", KindResult.String())
}
