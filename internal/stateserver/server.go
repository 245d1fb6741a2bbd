// Package stateserver is a reference job server for the document and push endpoints.
//
// It serves the document resource, its defaults, run start and abort, a directory
// listing and a WebSocket hub that notifies every client of every change. A run
// makes the client that started it the owner of the document: until the run ends
// only the owner sees X-Is-RW: true and may write.
//
// The server backs `gsync serve` and the end-to-end tests of the sync engine. It
// does not run real jobs; a Runner produces one result per source.
package stateserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/gate"
	"github.com/godiwi/statesync/internal/push"
	"github.com/godiwi/statesync/internal/transport"
)

const (
	clientIDHeader = transport.ClientIDHeader
	contentType    = "application/json"

	// SocketPath is where the hub is mounted.
	SocketPath = "/api/v1/websocket"

	// DefaultStep is how long the default runner takes per source.
	DefaultStep = 500 * time.Millisecond
)

// Runner executes one run over doc and reports each result through emit.
// It must return when ctx is cancelled.
type Runner func(ctx context.Context, doc *document.Document, emit func(result any)) error

// SourceResult is what the default runner reports per source.
type SourceResult struct {
	Source string `json:"source"`
	OK     bool   `json:"ok"`
}

// StepRunner returns a Runner that emits one SourceResult per source, waiting
// step before each.
func StepRunner(step time.Duration) Runner {
	return func(ctx context.Context, doc *document.Document, emit func(any)) error {
		for _, src := range doc.Sources {
			if step > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(step):
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(SourceResult{Source: src, OK: true})
		}
		return nil
	}
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":9078").
	Addr string

	// Initial document (default: document.Default()).
	Document *document.Document

	// Defaults served for DEFAULTS requests (default: document.Default()).
	Defaults *document.Document

	// Runner executes runs (default: StepRunner(DefaultStep)).
	Runner Runner

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":9078",
		Document: document.Default(),
		Defaults: document.Default(),
		Runner:   StepRunner(DefaultStep),
		Logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "serve"}),
	}
}

// Server serves the document and push endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	hub      *Hub
	runner   Runner
	logger   *log.Logger

	mu        sync.Mutex
	doc       *document.Document
	defaults  *document.Document
	owner     string // Client-ID that started the current run
	runID     string
	runCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. A nil config uses DefaultConfig().
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Document == nil {
		config.Document = defaults.Document
	}
	if config.Defaults == nil {
		config.Defaults = defaults.Defaults
	}
	if config.Runner == nil {
		config.Runner = defaults.Runner
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	doc := config.Document.Clone()
	doc.SocketURL = SocketPath
	doc.IsRunning = false

	return &Server{
		addr:     config.Addr,
		hub:      NewHub(config.Logger),
		runner:   config.Runner,
		logger:   config.Logger,
		doc:      doc,
		defaults: config.Defaults.Clone(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.DefaultStatePath, s.handleState)
	mux.HandleFunc(transport.DefaultDirListPath, s.handleDirList)
	mux.Handle(SocketPath, s.hub)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Job server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "err", err)
		}
	}()

	return nil
}

// Stop aborts any run, disconnects push clients and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping job server")

	s.cancel()
	s.hub.Stop()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("Job server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Hub returns the push hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Document returns a copy of the current document.
func (s *Server) Document() *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// writable reports whether clientID may write. Caller holds s.mu.
func (s *Server) writable(clientID string) bool {
	return s.owner == "" || s.owner == clientID
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientIDHeader)
	w.Header().Set("Content-Type", contentType)

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set(gate.Header, strconv.FormatBool(s.writable(clientID)))

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.doc)

	case transport.MethodDefaults:
		writeJSON(w, http.StatusOK, s.defaults)

	case http.MethodPut:
		s.replace(w, r, clientID)

	case http.MethodPost:
		s.startRun(w, clientID)

	case http.MethodDelete:
		s.abortRun(w, clientID)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Unsupported method %s", r.Method))
	}
}

// replace stores a new document and tells every client. Caller holds s.mu.
func (s *Server) replace(w http.ResponseWriter, r *http.Request, clientID string) {
	if !s.writable(clientID) {
		writeError(w, http.StatusForbidden, "State is owned by another client and cannot be written")
		return
	}
	if s.runCancel != nil {
		writeError(w, http.StatusConflict, "Cannot change state while a run is in progress. Abort it using the DELETE method")
		return
	}

	var next document.Document
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid document: %v", err))
		return
	}
	for _, pattern := range next.Fep {
		if err := document.ValidatePattern(pattern); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Server-owned fields are not writable by clients.
	next.SocketURL = s.doc.SocketURL
	next.IsRunning = s.doc.IsRunning
	next.LastError = s.doc.LastError
	s.doc = &next

	s.logger.Debug("Document replaced", "client", clientID)
	s.hub.Broadcast(push.Frame{Kind: push.KindChanged, ClientID: clientID})

	writeJSON(w, http.StatusOK, s.doc)
}

// startRun validates the document and runs it in the background. Caller holds s.mu.
func (s *Server) startRun(w http.ResponseWriter, clientID string) {
	if s.runCancel != nil {
		writeError(w, http.StatusConflict, "A run is already in progress")
		return
	}
	if err := s.doc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	s.owner = clientID
	s.runID = runID
	s.runCancel = cancel
	s.doc.IsRunning = true
	s.doc.LastError = ""
	doc := s.doc.Clone()

	// The starter owns the document now.
	w.Header().Set(gate.Header, strconv.FormatBool(s.writable(clientID)))

	s.logger.Info("Run started", "run", runID, "client", clientID, "mode", doc.Mode, "sources", len(doc.Sources))
	s.hub.Broadcast(push.Frame{Kind: push.KindBegin, RunID: runID})
	s.hub.Broadcast(push.Frame{Kind: push.KindChanged})

	s.wg.Add(1)
	go s.execute(ctx, runID, doc)

	writeJSON(w, http.StatusOK, s.doc)
}

// execute runs doc and releases ownership when done.
func (s *Server) execute(ctx context.Context, runID string, doc *document.Document) {
	defer s.wg.Done()

	err := s.runner(ctx, doc, func(result any) {
		data, err := json.Marshal(result)
		if err != nil {
			s.logger.Warn("Dropping unencodable result", "run", runID, "err", err)
			return
		}
		s.hub.Broadcast(push.Frame{Kind: push.KindResult, RunID: runID, Result: data})
	})

	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.owner = ""
	s.runID = ""
	s.runCancel = nil
	s.doc.IsRunning = false
	switch {
	case errors.Is(err, context.Canceled):
		s.doc.LastError = "run aborted"
	case err != nil:
		s.doc.LastError = err.Error()
	}
	s.mu.Unlock()

	s.logger.Info("Run finished", "run", runID, "err", err)
	s.hub.Broadcast(push.Frame{Kind: push.KindFinished, RunID: runID})
	s.hub.Broadcast(push.Frame{Kind: push.KindChanged})
}

// abortRun cancels the current run. Caller holds s.mu.
func (s *Server) abortRun(w http.ResponseWriter, clientID string) {
	if s.runCancel == nil {
		writeError(w, http.StatusConflict, "Nothing in progress")
		return
	}
	if !s.writable(clientID) {
		writeError(w, http.StatusForbidden, "Only the client that started the run may abort it")
		return
	}

	s.logger.Info("Aborting run", "run", s.runID, "client", clientID)
	s.runCancel()

	writeJSON(w, http.StatusOK, s.doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.runCancel != nil
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"running": running,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with a {"msg": ...} payload.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"msg": msg})
}
