// Package gate derives whether the local client may edit the server document.
package gate

import "net/http"

const (
	// Header is the response header carrying write permission.
	Header = "X-Is-RW"
	// Writable is the only header value that grants write permission.
	Writable = "true"
)

// Gate is the read-only flag. The zero value is read-only.
type Gate struct {
	writable bool
}

// New returns a read-only gate.
func New() *Gate {
	return &Gate{}
}

// Observe updates the flag from a response header set. A missing header leaves the
// flag unchanged; a present header grants write access only if it equals Writable.
// It reports whether the flag changed.
func (g *Gate) Observe(h http.Header) bool {
	values := h.Values(Header)
	if len(values) == 0 {
		return false
	}
	writable := values[len(values)-1] == Writable
	changed := writable != g.writable
	g.writable = writable
	return changed
}

// ReadOnly reports whether editing is currently forbidden.
func (g *Gate) ReadOnly() bool {
	return !g.writable
}
