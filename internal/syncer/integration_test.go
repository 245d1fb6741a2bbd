package syncer_test

import (
	"context"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/run"
	"github.com/godiwi/statesync/internal/stateserver"
	"github.com/godiwi/statesync/internal/syncer"
	"github.com/godiwi/statesync/internal/transport"
)

func startJobServer(t *testing.T, doc *document.Document, runner stateserver.Runner) *stateserver.Server {
	t.Helper()
	if runner == nil {
		runner = stateserver.StepRunner(10 * time.Millisecond)
	}
	srv := stateserver.NewServer(&stateserver.Config{
		Addr:     "127.0.0.1:0",
		Document: doc,
		Runner:   runner,
		Logger:   log.New(io.Discard),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func startClient(t *testing.T, srv *stateserver.Server, clientID string) *syncer.Engine {
	t.Helper()
	client, err := transport.NewClient(transport.Options{
		BaseURL:  "http://" + srv.GetAddr(),
		ClientID: clientID,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	cfg := syncer.DefaultConfig()
	cfg.Logger = log.New(io.Discard)
	engine, err := syncer.New(client, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-engine.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("client %s never became ready", clientID)
	}
	return engine
}

func status(t *testing.T, e *syncer.Engine) syncer.Status {
	t.Helper()
	st, err := e.Status(context.Background())
	require.NoError(t, err)
	return st
}

func TestEndToEnd_EditPropagates(t *testing.T) {
	doc := document.Default()
	doc.Sources = []string{"/data/a", "/data/b"}
	srv := startJobServer(t, doc, nil)

	a := startClient(t, srv, "client-a")
	b := startClient(t, srv, "client-b")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.False(t, status(t, a).ReadOnly)
	assert.True(t, status(t, a).PushLive)

	require.NoError(t, a.Edit(context.Background(), func(d *document.Document) {
		d.Fep = append(d.Fep, "*.tmp")
	}))

	require.Eventually(t, func() bool {
		return slices.Contains(status(t, b).Document.Fep, "*.tmp")
	}, 5*time.Second, 10*time.Millisecond, "foreign change reaches the other client")

	require.Eventually(t, func() bool {
		return status(t, a).Stats.SuppressedEchoes == 1
	}, 5*time.Second, 10*time.Millisecond, "own change comes back as an echo")

	st := status(t, a)
	assert.Equal(t, 1, st.Stats.Fetches)
	assert.Equal(t, 1, st.Stats.Writes)
	assert.False(t, st.UpdateFailed)

	assert.Equal(t, 0, status(t, b).Stats.Writes, "refresh never writes back")
	assert.Contains(t, srv.Document().Fep, "*.tmp")
}

func TestEndToEnd_RunProgress(t *testing.T) {
	doc := document.Default()
	doc.Sources = []string{"/data/a", "/data/b", "/data/c"}
	srv := startJobServer(t, doc, nil)

	a := startClient(t, srv, "client-a")
	b := startClient(t, srv, "client-b")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Trigger(context.Background()))

	for _, e := range []*syncer.Engine{a, b} {
		require.Eventually(t, func() bool {
			st := status(t, e)
			return st.Run.State == run.Finished && len(st.Run.Results) == 3
		}, 5*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		st := status(t, b)
		return !st.Document.IsRunning && !st.ReadOnly
	}, 5*time.Second, 10*time.Millisecond, "finished run releases ownership")
	assert.Empty(t, status(t, a).Alerts)
}

func TestEndToEnd_RunStartReachesOthers(t *testing.T) {
	blocking := func(ctx context.Context, doc *document.Document, emit func(any)) error {
		<-ctx.Done()
		return ctx.Err()
	}
	doc := document.Default()
	doc.Sources = []string{"/data/a"}
	srv := startJobServer(t, doc, blocking)

	a := startClient(t, srv, "client-a")
	b := startClient(t, srv, "client-b")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Trigger(context.Background()))

	require.Eventually(t, func() bool {
		st := status(t, b)
		return st.Document.IsRunning && st.ReadOnly && st.Run.State == run.Running
	}, 5*time.Second, 10*time.Millisecond, "other clients see the run while it is in progress")

	require.NoError(t, a.Abort(context.Background()))
	require.Eventually(t, func() bool {
		st := status(t, b)
		return !st.Document.IsRunning && !st.ReadOnly
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_TriggerAlert(t *testing.T) {
	srv := startJobServer(t, nil, nil)
	a := startClient(t, srv, "client-a")

	require.NoError(t, a.Trigger(context.Background()))
	require.Eventually(t, func() bool { return len(status(t, a).Alerts) == 1 }, 5*time.Second, 10*time.Millisecond)

	st := status(t, a)
	assert.Equal(t, "didn't provide a single source", st.Alerts[0].Msg)
	assert.Equal(t, 400, st.Alerts[0].StatusCode)
	assert.Equal(t, run.Idle, st.Run.State)
}
