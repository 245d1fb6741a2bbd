package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Run modes understood by the job server.
const (
	ModeVerify = "verify"
	ModeSeal   = "seal"
	ModeCopy   = "copy"
)

// Verbosity levels accepted by the job server.
var verbosityLevels = []string{"debug", "info", "warn", "error"}

// knownFields lists the JSON keys decoded into Document fields. Everything else
// ends up in extra.
var knownFields = map[string]struct{}{
	"mode":         {},
	"verbosity":    {},
	"spid":         {},
	"spod":         {},
	"fep":          {},
	"sources":      {},
	"destinations": {},
	"format":       {},
	"isRunning":    {},
	"lastError":    {},
	"socketURL":    {},
}

// Document is the configuration and run-state of the job server.
type Document struct {
	// ===== Run Configuration =====
	Mode      string `json:"mode"`      // verify, seal, copy
	Verbosity string `json:"verbosity"` // debug, info, warn, error
	Spid      int    `json:"spid"`      // streams per input device
	Spod      int    `json:"spod"`      // streams per output device

	// ===== Inputs =====
	Fep          []string `json:"fep"` // file exclude patterns
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations,omitempty"`
	Format       string   `json:"format,omitempty"`

	// ===== Server Run-State (read-only for clients) =====
	IsRunning bool   `json:"isRunning"`
	LastError string `json:"lastError,omitempty"`

	// ===== Push Channel =====
	SocketURL string `json:"socketURL"`

	extra map[string]json.RawMessage
}

// fields has the same layout as Document without its JSON methods.
type fields Document

// UnmarshalJSON decodes known fields and keeps unknown ones verbatim.
func (d *Document) UnmarshalJSON(data []byte) error {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Document(f)
	d.extra = nil
	for key, value := range raw {
		if _, ok := knownFields[key]; ok {
			continue
		}
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage)
		}
		d.extra[key] = value
	}
	return nil
}

// MarshalJSON encodes known fields plus any preserved unknown fields.
// Nil lists are encoded as empty arrays.
func (d Document) MarshalJSON() ([]byte, error) {
	f := fields(d)
	if f.Fep == nil {
		f.Fep = []string{}
	}
	if f.Sources == nil {
		f.Sources = []string{}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range d.extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Extra returns a server field this client has no struct field for.
func (d *Document) Extra(key string) (json.RawMessage, bool) {
	v, ok := d.extra[key]
	return v, ok
}

// SetExtra stores an unknown field. Keys that belong to a struct field are rejected.
func (d *Document) SetExtra(key string, value json.RawMessage) error {
	if _, ok := knownFields[key]; ok {
		return fmt.Errorf("field %q is not an extra field", key)
	}
	if d.extra == nil {
		d.extra = make(map[string]json.RawMessage)
	}
	d.extra[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Clone returns a deep copy. Clone of nil is nil.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Fep = cloneStrings(d.Fep)
	c.Sources = cloneStrings(d.Sources)
	c.Destinations = cloneStrings(d.Destinations)
	if d.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(d.extra))
		for k, v := range d.extra {
			c.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Default returns the document a fresh job server starts with.
func Default() *Document {
	return &Document{
		Mode:      ModeSeal,
		Verbosity: "info",
		Spid:      1,
		Spod:      1,
		Fep:       []string{".DS_Store", "Thumbs.db"},
		Sources:   []string{},
	}
}

// Validate checks the document the way the job server does before accepting it.
func (d *Document) Validate() error {
	switch d.Mode {
	case ModeVerify, ModeSeal, ModeCopy:
	default:
		return fmt.Errorf("invalid mode: '%s'", d.Mode)
	}

	if !validVerbosity(d.Verbosity) {
		return fmt.Errorf("invalid verbosity: '%s' (expected one of %s)", d.Verbosity, strings.Join(verbosityLevels, ", "))
	}

	if d.Spid <= 0 {
		return fmt.Errorf("streams per input device must be larger than 0")
	}
	if d.Mode == ModeCopy && d.Spod <= 0 {
		return fmt.Errorf("streams per output device must be larger than 0")
	}

	var filterErrs []string
	for _, pattern := range d.Fep {
		if err := ValidatePattern(pattern); err != nil {
			filterErrs = append(filterErrs, err.Error())
		}
	}
	if len(filterErrs) > 0 {
		return fmt.Errorf("%s", strings.Join(filterErrs, "; "))
	}

	if len(d.Sources) == 0 {
		return fmt.Errorf("didn't provide a single source")
	}
	if d.Mode == ModeCopy && len(d.Destinations) == 0 {
		return fmt.Errorf("copy mode requires at least one destination")
	}

	return nil
}

// ValidatePattern reports whether pattern is a usable exclude glob.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("empty exclude pattern")
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
	}
	return nil
}

func validVerbosity(v string) bool {
	for _, level := range verbosityLevels {
		if strings.EqualFold(v, level) {
			return true
		}
	}
	return false
}

// Diff returns the sorted JSON field names whose values differ between a and b.
// A nil document compares as an empty object.
func Diff(a, b *Document) ([]string, error) {
	am, err := toFieldMap(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode first document: %w", err)
	}
	bm, err := toFieldMap(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode second document: %w", err)
	}

	seen := make(map[string]struct{}, len(am)+len(bm))
	var changed []string
	for key, av := range am {
		seen[key] = struct{}{}
		if bv, ok := bm[key]; !ok || !bytes.Equal(av, bv) {
			changed = append(changed, key)
		}
	}
	for key := range bm {
		if _, ok := seen[key]; !ok {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)
	return changed, nil
}

func toFieldMap(d *Document) (map[string]json.RawMessage, error) {
	if d == nil {
		return map[string]json.RawMessage{}, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
