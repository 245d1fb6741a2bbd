package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/godiwi/statesync/internal/document"
)

var (
	// ErrInvalidOptions is wrapped by NewClient for bad options.
	ErrInvalidOptions = errors.New("invalid transport options")
	// ErrEmptyBody is returned when decoding a response without a body.
	ErrEmptyBody = errors.New("empty response body")
)

// Response is the typed envelope of a completed request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Get returns a response header; name lookup is case-insensitive.
func (r *Response) Get(name string) string {
	if r == nil {
		return ""
	}
	return r.Header.Get(name)
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(strings.TrimSpace(string(r.Body))) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Document decodes the body as a document.
func (r *Response) Document() (*document.Document, error) {
	var doc document.Document
	if err := r.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Error is a failed request: either the server answered outside 2xx (StatusCode set,
// Body holds its payload) or the request never completed (Err set).
type Error struct {
	Op         string
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), msg)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Message extracts a human-readable message from the server payload. JSON bodies of
// the form {"msg": "..."} yield the msg field; anything else is returned trimmed.
func (e *Error) Message() string {
	if len(e.Body) == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return ""
	}
	var payload struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(e.Body, &payload); err == nil && payload.Msg != "" {
		return payload.Msg
	}
	return strings.TrimSpace(string(e.Body))
}

// StatusCode returns the HTTP status of a transport error, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
