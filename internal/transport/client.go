// Package transport issues requests against the job server's document endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/godiwi/statesync/internal/document"
)

const (
	// ClientIDHeader carries the ClientID on every request.
	ClientIDHeader = "Client-ID"

	// MethodDefaults asks the server to describe its default document.
	MethodDefaults = "DEFAULTS"

	// DefaultStatePath is the document endpoint of the job server.
	DefaultStatePath = "/api/v1/state"
	// DefaultDirListPath is the directory listing endpoint of the job server.
	DefaultDirListPath = "/api/v1/dirlist"

	contentType = "application/json"
)

// Directory listing modes.
const (
	ListAll      = "all"
	ListSealOnly = "sealOnly"
)

// NewClientID returns a per-session identifier made of the current time and randomness.
func NewClientID() string {
	return strings.ToLower(ulid.Make().String())
}

// Options configures a Client.
type Options struct {
	// BaseURL of the job server, e.g. http://localhost:9078 (required).
	BaseURL string

	// StatePath of the document endpoint (default: DefaultStatePath).
	StatePath string

	// DirListPath of the directory listing endpoint (default: DefaultDirListPath).
	DirListPath string

	// ClientID sent with every request (default: NewClientID()).
	ClientID string

	// HTTPClient used for requests (default: http.DefaultClient).
	HTTPClient *http.Client

	// Timeout per request; 0 disables it.
	Timeout time.Duration

	// RequestsPerSecond limits outbound requests; 0 disables the limit.
	RequestsPerSecond float64

	// Logger for request activity (default: stderr logger).
	Logger *log.Logger
}

// Client executes the document verbs. It is safe for concurrent use.
type Client struct {
	base        *url.URL
	statePath   string
	dirListPath string
	clientID    string
	httpClient  *http.Client
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *log.Logger
}

// NewClient validates opts and creates a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL cannot be empty", ErrInvalidOptions)
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL: %v", ErrInvalidOptions, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base URL must be http or https, got %q", ErrInvalidOptions, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: base URL has no host", ErrInvalidOptions)
	}

	if opts.StatePath == "" {
		opts.StatePath = DefaultStatePath
	}
	if opts.DirListPath == "" {
		opts.DirListPath = DefaultDirListPath
	}
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{
		base:        base,
		statePath:   opts.StatePath,
		dirListPath: opts.DirListPath,
		clientID:    opts.ClientID,
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		limiter:     limiter,
		logger:      opts.Logger,
	}, nil
}

// ClientID returns the identifier attached to every request.
func (c *Client) ClientID() string {
	return c.clientID
}

// Fetch reads the current document.
func (c *Client) Fetch(ctx context.Context) (*Response, error) {
	return c.do(ctx, "fetch", http.MethodGet, c.statePath, nil)
}

// Replace writes doc as the new server document.
func (c *Client) Replace(ctx context.Context, doc *document.Document) (*Response, error) {
	if doc == nil {
		return nil, &Error{Op: "replace", Err: fmt.Errorf("document cannot be nil")}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, &Error{Op: "replace", Err: fmt.Errorf("failed to encode document: %w", err)}
	}
	return c.do(ctx, "replace", http.MethodPut, c.statePath, body)
}

// DescribeDefaults reads the server's default document.
func (c *Client) DescribeDefaults(ctx context.Context) (*Response, error) {
	return c.do(ctx, "defaults", MethodDefaults, c.statePath, nil)
}

// Trigger asks the server to start a run with the current document.
func (c *Client) Trigger(ctx context.Context) (*Response, error) {
	return c.do(ctx, "trigger", http.MethodPost, c.statePath, nil)
}

// Remove asks the server to abort the current run.
func (c *Client) Remove(ctx context.Context) (*Response, error) {
	return c.do(ctx, "remove", http.MethodDelete, c.statePath, nil)
}

// DirEntry is one item of a directory listing.
type DirEntry struct {
	Item  string `json:"item"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// ListDir asks the server for the entries matching path. mode is ListAll or ListSealOnly.
func (c *Client) ListDir(ctx context.Context, path, mode string) ([]DirEntry, *Response, error) {
	if mode == "" {
		mode = ListAll
	}
	q := url.Values{}
	q.Set("path", path)
	q.Set("type", mode)

	resp, err := c.do(ctx, "dirlist", http.MethodGet, c.dirListPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, resp, err
	}

	var entries []DirEntry
	if err := resp.Decode(&entries); err != nil {
		return nil, resp, &Error{Op: "dirlist", StatusCode: resp.StatusCode, Err: err}
	}
	return entries, resp, nil
}

// SocketURL resolves the socketURL field of the document against the base URL:
// http becomes ws, https becomes wss. Absolute ws(s) URLs are returned as is and an
// empty socketPath yields an empty string.
func (c *Client) SocketURL(socketPath string) (string, error) {
	if socketPath == "" {
		return "", nil
	}
	ref, err := url.Parse(socketPath)
	if err != nil {
		return "", fmt.Errorf("invalid socket URL %q: %w", socketPath, err)
	}
	if ref.Scheme == "ws" || ref.Scheme == "wss" {
		return ref.String(), nil
	}

	u := c.base.ResolveReference(ref)
	switch c.base.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: op, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	fullURL := c.base.ResolveReference(ref).String()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set(ClientIDHeader, c.clientID)
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "method", method, "err", err)
		return nil, &Error{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}
	c.logger.Debug("request done", "op", op, "method", method, "status", resp.StatusCode, "took", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &Error{Op: op, StatusCode: resp.StatusCode, Body: data}
	}
	return out, nil
}
