package gate

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestGate_DefaultsToReadOnly(t *testing.T) {
	var zero Gate
	assert.True(t, zero.ReadOnly())
	assert.True(t, New().ReadOnly())
}

func TestGate_Observe(t *testing.T) {
	tests := []struct {
		name         string
		start        bool // writable before
		header       http.Header
		wantReadOnly bool
		wantChanged  bool
	}{
		{"grant", false, header(Header, "true"), false, true},
		{"revoke", true, header(Header, "false"), true, true},
		{"absent keeps writable", true, header(), false, false},
		{"absent keeps read-only", false, header(), true, false},
		{"lowercase header name", false, header("x-is-rw", "true"), false, true},
		{"value must match exactly", false, header(Header, "TRUE"), true, false},
		{"empty value is not writable", true, header(Header, ""), true, true},
		{"last value wins", false, header(Header, "false", Header, "true"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Gate{writable: tt.start}
			changed := g.Observe(tt.header)
			assert.Equal(t, tt.wantReadOnly, g.ReadOnly())
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestGate_NeverRevokedByMissingHeader(t *testing.T) {
	g := New()
	g.Observe(header(Header, "true"))
	for i := 0; i < 5; i++ {
		g.Observe(header("Content-Type", "application/json"))
		g.Observe(nil)
	}
	assert.False(t, g.ReadOnly())
}
