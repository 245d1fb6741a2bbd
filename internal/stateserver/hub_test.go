package stateserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godiwi/statesync/internal/push"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(log.New(io.Discard))
	hub.Start()

	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHub_MultipleClients(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conns []*websocket.Conn
	for _, id := range []string{"a", "b", "c"} {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{clientIDHeader: []string{id}},
		})
		require.NoError(t, err)
		defer conn.CloseNow()
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(push.Frame{Kind: push.KindBegin, RunID: "r1"})
	hub.Broadcast(push.Frame{Kind: push.KindFinished, RunID: "r1"})

	for _, conn := range conns {
		for _, want := range []push.Kind{push.KindBegin, push.KindFinished} {
			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			f, err := push.DecodeFrame(data)
			require.NoError(t, err)
			assert.Equal(t, want, f.Kind, "frames arrive in broadcast order")
			assert.Equal(t, "r1", f.RunID)
		}
	}

	require.NoError(t, conns[0].Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StopDisconnects(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	hub.Stop()
	assert.Zero(t, hub.ClientCount())
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))

	// Broadcasting after Stop neither blocks nor panics.
	hub.Broadcast(push.Frame{Kind: push.KindChanged})
}
