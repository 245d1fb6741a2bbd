// Package push owns the persistent WebSocket connection to the job server and
// demultiplexes its frames into document-change and run-progress notifications.
//
// A Listener holds at most one connection. Live reports whether a connection is
// being dialed or is open; callers use it as the only guard before Connect, and
// Connect itself refuses to open a second connection while one is live.
//
// Frames that cannot be decoded are dropped and counted, never surfaced as errors.
// There is no reconnect loop: when the connection closes the Handler is told and
// whoever owns the Listener decides when to Connect again.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
)

// ErrLive is returned by Connect while a connection is dialing or open.
var ErrLive = errors.New("push connection already live")

// ConnState mirrors a WebSocket ready state.
type ConnState int

const (
	// StateClosed means there is no connection.
	StateClosed ConnState = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateOpen means frames are being read.
	StateOpen
)

// String returns a human-readable representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Handler receives decoded frames and connection loss, on the read goroutine.
// Implementations must not block for long.
type Handler interface {
	HandleFrame(Frame)
	HandleClose(error)
}

// Config holds listener configuration.
type Config struct {
	// DialTimeout bounds the WebSocket handshake (default: 10s).
	DialTimeout time.Duration

	// ReadLimit is the maximum frame size in bytes (default: 1 MiB). Larger
	// frames are dropped.
	ReadLimit int64

	// Header is sent with the handshake, e.g. the Client-ID.
	Header http.Header

	// Logger for connection activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout: 10 * time.Second,
		ReadLimit:   1 << 20,
		Logger:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "push"}),
	}
}

// Listener owns the push connection.
type Listener struct {
	handler Handler
	config  *Config

	mu     sync.Mutex
	state  ConnState
	conn   *websocket.Conn
	url    string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Int64
	dropped  atomic.Int64
}

// NewListener creates a closed listener delivering to handler.
func NewListener(handler Handler, config *Config) *Listener {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Listener{
		handler: handler,
		config:  config,
	}
}

// State returns the connection state.
func (l *Listener) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Live reports whether a connection is dialing or open.
func (l *Listener) Live() bool {
	return l.State() != StateClosed
}

// URL returns the address of the current or last connection.
func (l *Listener) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// Received returns the number of frames delivered to the handler.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Dropped returns the number of frames discarded as undecodable or oversized.
func (l *Listener) Dropped() int64 {
	return l.dropped.Load()
}

// Connect dials url and starts reading frames. It blocks for the handshake only.
func (l *Listener) Connect(ctx context.Context, url string) error {
	l.mu.Lock()
	if l.state != StateClosed {
		l.mu.Unlock()
		return ErrLive
	}
	l.state = StateConnecting
	l.url = url
	l.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, l.config.DialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: l.config.Header,
	})
	if err != nil {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	// Frame size is enforced in readLoop so an oversized frame is dropped
	// instead of closing the connection.
	conn.SetReadLimit(-1)

	readCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.state = StateOpen
	l.mu.Unlock()

	l.config.Logger.Info("Push channel connected", "url", url)

	l.wg.Add(1)
	go l.readLoop(readCtx, conn)

	return nil
}

// readLoop decodes frames until the connection fails or is closed.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer l.wg.Done()

	for {
		typ, data, err := l.read(ctx, conn)
		if err != nil {
			l.closed(conn, err)
			return
		}

		if data == nil {
			l.dropped.Add(1)
			l.config.Logger.Debug("Dropping oversized frame", "limit", l.config.ReadLimit)
			continue
		}

		if typ != websocket.MessageText {
			l.dropped.Add(1)
			l.config.Logger.Debug("Dropping non-text frame")
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			l.dropped.Add(1)
			l.config.Logger.Debug("Dropping malformed frame", "err", err)
			continue
		}

		l.received.Add(1)
		l.handler.HandleFrame(frame)
	}
}

// read returns the next message. A message over ReadLimit is discarded and
// reported with nil data.
func (l *Listener) read(ctx context.Context, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	typ, r, err := conn.Reader(ctx)
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, l.config.ReadLimit+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(data)) > l.config.ReadLimit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return 0, nil, err
		}
		return typ, nil, nil
	}
	return typ, data, nil
}

// closed resets the state if conn is still the current connection and tells the handler.
func (l *Listener) closed(conn *websocket.Conn, err error) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		l.state = StateClosed
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
	}
	l.mu.Unlock()

	if !current {
		return
	}

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		l.config.Logger.Info("Push channel closed by server")
	} else {
		l.config.Logger.Warn("Push channel lost", "err", err)
	}
	l.handler.HandleClose(err)
}

// Close closes the connection, if any, and waits for the read goroutine to exit.
// The handler is not notified of a close requested here.
func (l *Listener) Close() error {
	l.mu.Lock()
	conn := l.conn
	cancel := l.cancel
	l.conn = nil
	l.cancel = nil
	l.state = StateClosed
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	l.wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close push connection: %w", err)
	}
	return nil
}
