package syncer

import (
	"context"
	"net/http"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/push"
	"github.com/godiwi/statesync/internal/transport"
)

// Transport executes requests against the document endpoint.
//
// Implementations must return the response alongside the error when the server
// answered outside 2xx, so that its headers can still be observed.
// *transport.Client implements Transport.
type Transport interface {
	// ClientID returns the identifier attached to every request.
	ClientID() string

	// Fetch reads the current document.
	Fetch(ctx context.Context) (*transport.Response, error)

	// Replace writes doc as the new server document.
	Replace(ctx context.Context, doc *document.Document) (*transport.Response, error)

	// DescribeDefaults reads the server's default document.
	DescribeDefaults(ctx context.Context) (*transport.Response, error)

	// Trigger starts a run.
	Trigger(ctx context.Context) (*transport.Response, error)

	// Remove aborts the current run.
	Remove(ctx context.Context) (*transport.Response, error)

	// SocketURL resolves the socketURL field of a document into a dialable address.
	SocketURL(socketPath string) (string, error)
}

// Pusher is the push connection as seen by the engine. *push.Listener implements it.
type Pusher interface {
	// Live reports whether a connection is dialing or open.
	Live() bool

	// Connect dials url and starts delivering frames.
	Connect(ctx context.Context, url string) error

	// Close drops the connection without notifying the handler.
	Close() error

	// Dropped returns the number of undecodable frames.
	Dropped() int64
}

// PusherFactory creates the push connection for an engine. header carries the
// Client-ID for the handshake.
type PusherFactory func(h push.Handler, header http.Header) Pusher

// Compile-time interface checks
var (
	_ Transport    = (*transport.Client)(nil)
	_ Pusher       = (*push.Listener)(nil)
	_ push.Handler = (*Engine)(nil)
)
