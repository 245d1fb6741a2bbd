package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/echo"
	"github.com/godiwi/statesync/internal/gate"
	"github.com/godiwi/statesync/internal/push"
	"github.com/godiwi/statesync/internal/run"
	"github.com/godiwi/statesync/internal/transport"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrStopped is returned by operations issued after Run returned.
	ErrStopped = errors.New("engine stopped")
	// ErrReadOnly is returned by Edit while the server denies write access.
	ErrReadOnly = errors.New("document is read-only")
)

// Config holds engine configuration.
type Config struct {
	// Policy holds the live-reloadable settings (default: DefaultPolicy()).
	Policy Policy

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger

	// Now is the clock used by the echo suppressor (default: time.Now).
	Now func() time.Time

	// NewPusher creates the push connection (default: a push.Listener).
	NewPusher PusherFactory

	// OnUpdate is called on the loop goroutine after every handled event.
	OnUpdate func(Status)

	// QueueSize is the capacity of the event queue (default: 64).
	QueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Policy:    DefaultPolicy(),
		Logger:    log.NewWithOptions(os.Stderr, log.Options{Prefix: "sync"}),
		Now:       time.Now,
		QueueSize: 64,
	}
}

// Engine is one synchronization session: the local document, the defaults, the
// status flags, the alerts and the run session, driven by a single event loop.
type Engine struct {
	transport Transport
	config    *Config
	clientID  string

	events   chan func()
	done     chan struct{}
	ready    chan struct{}
	started  atomic.Bool
	inflight sync.WaitGroup

	// Owned by the loop goroutine.
	ctx          context.Context
	store        *document.Store
	gate         *gate.Gate
	suppressor   *echo.Suppressor
	session      *run.Session
	pusher       Pusher
	policy       Policy
	isUpdating   bool
	updateFailed bool
	pending      int
	writes       int
	connecting   bool
	alerts       []Alert
	stats        Stats
	isReady      bool
	reconnect    *time.Timer
}

// New creates an engine on top of t. A nil config uses DefaultConfig().
func New(t Transport, config *Config) (*Engine, error) {
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}

	policy, err := config.Policy.normalize()
	if err != nil {
		return nil, err
	}
	config.Policy = policy

	e := &Engine{
		transport:  t,
		config:     config,
		clientID:   t.ClientID(),
		events:     make(chan func(), config.QueueSize),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		store:      document.NewStore(),
		gate:       gate.New(),
		suppressor: echo.New(policy.EchoWindow, config.Now),
		session:    run.NewSession(),
		policy:     policy,
	}

	header := http.Header{}
	header.Set(transport.ClientIDHeader, e.clientID)
	if config.NewPusher != nil {
		e.pusher = config.NewPusher(e, header)
	} else {
		e.pusher = push.NewListener(e, &push.Config{
			Header: header,
			Logger: config.Logger.WithPrefix("push"),
		})
	}

	// Only local edits feed the write path.
	e.store.Subscribe(func(c document.Change) {
		if c.Origin == document.OriginLocal {
			e.write(c.Document)
		}
	})

	return e, nil
}

// ClientID returns the identifier of this session.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Ready is closed after the first successful fetch.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Run loads the defaults and the document, then handles events until ctx is
// cancelled. It closes the push connection before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.ctx = ctx
	e.config.Logger.Info("Starting sync engine", "client", e.clientID)

	e.isUpdating = true
	e.describeDefaults()
	e.fetch()
	e.notify()

	for {
		select {
		case fn := <-e.events:
			fn()
			e.notify()
		case <-ctx.Done():
			e.shutdown()
			return nil
		}
	}
}

// shutdown stops accepting events and releases the push connection.
func (e *Engine) shutdown() {
	e.config.Logger.Info("Stopping sync engine")

	close(e.done)
	if e.reconnect != nil {
		e.reconnect.Stop()
	}
	e.inflight.Wait()

	if err := e.pusher.Close(); err != nil {
		e.config.Logger.Warn("Error closing push channel", "err", err)
	}

	e.config.Logger.Info("Sync engine stopped")
}

// post queues fn for the loop. It reports false once the engine stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	queued := func() { errc <- fn() }

	select {
	case e.events <- queued:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify reports the current status to the OnUpdate hook.
func (e *Engine) notify() {
	if e.config.OnUpdate != nil {
		e.config.OnUpdate(e.status())
	}
}

// request runs one transport call off the loop and posts its completion back.
func (e *Engine) request(fn func(ctx context.Context) (*transport.Response, error), done func(*transport.Response, error)) {
	e.pending++
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		resp, err := fn(e.ctx)
		e.post(func() {
			e.pending--
			done(resp, err)
		})
	}()
}

// observe feeds a response header into the read-only gate.
func (e *Engine) observe(resp *transport.Response) {
	if resp == nil {
		return
	}
	if e.gate.Observe(resp.Header) {
		e.config.Logger.Info("Write access changed", "readOnly", e.gate.ReadOnly())
	}
}

// updateDone lowers both status flags after a successful request.
func (e *Engine) updateDone() {
	e.isUpdating = false
	e.updateFailed = false
}

// updateFailedWith records a failed request. The flag stays set until the next success.
func (e *Engine) updateFailedWith(op string, err error) {
	e.isUpdating = false
	e.updateFailed = true
	e.config.Logger.Warn("Request failed", "op", op, "err", err)
}

// ===== Document =====

func (e *Engine) fetch() {
	e.stats.Fetches++
	e.request(e.transport.Fetch, e.fetched)
}

func (e *Engine) fetched(resp *transport.Response, err error) {
	e.observe(resp)
	if err != nil {
		e.updateFailedWith("fetch", err)
		return
	}

	doc, err := resp.Document()
	if err != nil {
		e.updateFailedWith("fetch", err)
		return
	}

	e.updateDone()
	e.store.Replace(doc, document.OriginRemote)

	if !e.isReady {
		e.isReady = true
		close(e.ready)
	}

	e.connectPush(doc.SocketURL)
}

func (e *Engine) describeDefaults() {
	e.request(e.transport.DescribeDefaults, func(resp *transport.Response, err error) {
		e.observe(resp)
		if err != nil {
			e.updateFailedWith("defaults", err)
			return
		}
		doc, err := resp.Document()
		if err != nil {
			e.updateFailedWith("defaults", err)
			return
		}
		e.updateDone()
		e.store.SetDefaults(doc)
	})
}

// write is called by the store subscription for every local edit.
func (e *Engine) write(doc *document.Document) {
	e.isUpdating = true
	e.stats.Writes++
	e.suppressor.Arm()
	e.writes++

	e.request(func(ctx context.Context) (*transport.Response, error) {
		return e.transport.Replace(ctx, doc)
	}, func(resp *transport.Response, err error) {
		e.writes--
		e.observe(resp)
		if err != nil {
			// The marker stays armed for writes still in flight.
			if e.writes == 0 {
				e.suppressor.Disarm()
			}
			e.updateFailedWith("replace", err)
			return
		}
		e.suppressor.Confirm()
		e.updateDone()
	})
}

// ===== Push =====

// connectPush opens the push connection unless one is live.
func (e *Engine) connectPush(socketPath string) {
	if socketPath == "" || e.connecting || e.pusher.Live() {
		return
	}

	url, err := e.transport.SocketURL(socketPath)
	if err != nil {
		e.config.Logger.Warn("Cannot resolve push channel", "socketURL", socketPath, "err", err)
		return
	}

	e.connecting = true
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		err := e.pusher.Connect(e.ctx, url)
		e.post(func() {
			e.connecting = false
			if err == nil || errors.Is(err, push.ErrLive) {
				e.config.Logger.Debug("Push channel open", "url", url)
				return
			}
			e.config.Logger.Warn("Push channel unavailable", "url", url, "err", err)
			e.scheduleReconnect()
		})
	}()
}

// scheduleReconnect re-fetches after the policy delay, which reopens the push
// connection. Nothing happens with a zero delay.
func (e *Engine) scheduleReconnect() {
	delay := e.policy.ReconnectDelay
	if delay <= 0 {
		return
	}
	if e.reconnect != nil {
		e.reconnect.Stop()
	}
	e.reconnect = time.AfterFunc(delay, func() {
		e.post(func() {
			e.config.Logger.Debug("Re-fetching to restore push channel")
			e.fetch()
		})
	})
}

// HandleFrame implements push.Handler.
func (e *Engine) HandleFrame(f push.Frame) {
	e.post(func() { e.handleFrame(f) })
}

// HandleClose implements push.Handler.
func (e *Engine) HandleClose(err error) {
	e.post(func() { e.scheduleReconnect() })
}

func (e *Engine) handleFrame(f push.Frame) {
	if f.Kind == push.KindChanged {
		e.handleChanged(f)
		return
	}

	ev, _ := f.RunEvent()
	if !e.session.Apply(ev) {
		e.stats.IgnoredFrames++
		e.config.Logger.Debug("Ignoring run frame", "kind", f.Kind, "state", e.session.State())
		return
	}
	e.config.Logger.Debug("Run progress", "kind", f.Kind, "state", e.session.State())
}

// handleChanged decides whether a change frame re-fetches the document.
func (e *Engine) handleChanged(f push.Frame) {
	own := f.ClientID != "" && f.ClientID == e.clientID
	if own {
		if e.suppressor.Consume() {
			e.stats.SuppressedEchoes++
			e.config.Logger.Debug("Suppressed echo of local write")
			return
		}
		if e.policy.OriginFilter == FilterForeign {
			e.stats.IgnoredFrames++
			return
		}
	}

	e.config.Logger.Debug("Document changed remotely", "origin", f.ClientID)
	e.fetch()
}

// ===== Public Operations =====

// Edit applies fn to the current document and writes the result to the server.
func (e *Engine) Edit(ctx context.Context, fn func(*document.Document)) error {
	return e.call(ctx, func() error {
		if e.gate.ReadOnly() {
			return ErrReadOnly
		}
		return e.store.Update(fn, document.OriginLocal)
	})
}

// Refresh re-fetches the document.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.fetch()
		return nil
	})
}

// ReloadDefaults asks the server to describe its defaults again. The current
// document is not touched.
func (e *Engine) ReloadDefaults(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.describeDefaults()
		return nil
	})
}

// Trigger clears the alerts and asks the server to start a run. A failure is
// appended to the alerts; the run session only follows push frames.
func (e *Engine) Trigger(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.alerts = nil
		e.request(e.transport.Trigger, func(resp *transport.Response, err error) {
			e.observe(resp)
			if err != nil {
				e.alerts = append(e.alerts, alertFrom(err))
				e.config.Logger.Warn("Run trigger failed", "err", err)
			}
		})
		return nil
	})
}

// Abort asks the server to stop the current run. A failure is appended to the alerts.
func (e *Engine) Abort(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.request(e.transport.Remove, func(resp *transport.Response, err error) {
			e.observe(resp)
			if err != nil {
				e.alerts = append(e.alerts, alertFrom(err))
				e.config.Logger.Warn("Run abort failed", "err", err)
			}
		})
		return nil
	})
}

// SetPolicy replaces the live-reloadable settings.
func (e *Engine) SetPolicy(ctx context.Context, p Policy) error {
	p, err := p.normalize()
	if err != nil {
		return err
	}
	return e.call(ctx, func() error {
		e.policy = p
		e.suppressor.SetWindow(p.EchoWindow)
		e.config.Logger.Info("Policy updated",
			"echoWindow", p.EchoWindow,
			"originFilter", p.OriginFilter,
			"reconnectDelay", p.ReconnectDelay)
		return nil
	})
}

// Status returns a copy of the engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, func() error {
		st = e.status()
		return nil
	})
	return st, err
}

func (e *Engine) status() Status {
	stats := e.stats
	stats.DroppedFrames = e.pusher.Dropped()

	return Status{
		ClientID:       e.clientID,
		Document:       e.store.Current(),
		Defaults:       e.store.Defaults(),
		ReadOnly:       e.gate.ReadOnly(),
		IsUpdating:     e.isUpdating,
		UpdateFailed:   e.updateFailed,
		Pending:        e.pending,
		Alerts:         append([]Alert{}, e.alerts...),
		Run:            e.session.Snapshot(),
		PushLive:       e.pusher.Live(),
		PushConnecting: e.connecting,
		Policy:         e.policy,
		Stats:          stats,
	}
}
