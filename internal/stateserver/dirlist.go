package stateserver

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/godiwi/statesync/internal/transport"
)

// Seal files are kept by sealOnly listings.
var sealPatterns = []string{"*.gobz", "*.mhl"}

func isSeal(name string) bool {
	for _, p := range sealPatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// fuzzyGlob turns a basename into a case-insensitive subsequence pattern:
// "ab" becomes "*[Aa]**[Bb]*".
func fuzzyGlob(base string) string {
	var b strings.Builder
	for len(base) > 0 {
		r, size := utf8.DecodeRuneInString(base)
		base = base[size:]
		if r == '[' || r == ']' || r == '*' || r == '?' || r == '\\' {
			fmt.Fprintf(&b, "*\\%c*", r)
			continue
		}
		upper, lower := unicode.ToUpper(r), unicode.ToLower(r)
		if upper == lower {
			fmt.Fprintf(&b, "*%c*", r)
			continue
		}
		fmt.Fprintf(&b, "*[%c%c]*", upper, lower)
	}
	return b.String()
}

// matchingEntries lists the directory named by path. A path ending in a separator
// lists everything in it; otherwise its basename is matched fuzzily against the
// entries of its parent.
func matchingEntries(path string) (dir string, out []os.DirEntry, err error) {
	endsWithSep := strings.HasSuffix(path, string(filepath.Separator))
	clean := filepath.Clean(path)

	dir = clean
	glob := "*"
	if !endsWithSep {
		dir = filepath.Dir(clean)
		glob = fuzzyGlob(filepath.Base(clean))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return dir, nil, err
	}

	for _, e := range entries {
		matched, err := filepath.Match(glob, e.Name())
		if err != nil {
			return dir, out, err
		}
		if matched {
			out = append(out, e)
		}
	}
	return dir, out, nil
}

// filterEntries drops entries excluded by fep and, for sealOnly, everything but
// directories and seal files.
func filterEntries(entries []os.DirEntry, fep []string, sealOnly bool) ([]os.DirEntry, error) {
	var out []os.DirEntry

next:
	for _, e := range entries {
		if sealOnly && !e.IsDir() && !isSeal(e.Name()) {
			continue
		}
		for _, pattern := range fep {
			excluded, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
			}
			if excluded {
				continue next
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Server) handleDirList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Only GET is allowed")
		return
	}

	q := r.URL.Query()
	path, mode := q.Get("path"), q.Get("type")
	if path == "" || mode == "" {
		writeError(w, http.StatusBadRequest, "You have to specify the 'path' and 'type' within the query string")
		return
	}
	if mode != transport.ListAll && mode != transport.ListSealOnly {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request type, expected one of '%s', '%s'", transport.ListAll, transport.ListSealOnly))
		return
	}

	dir, entries, err := matchingEntries(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read path at '%s': %v", path, err))
		return
	}

	s.mu.Lock()
	fep := append([]string(nil), s.doc.Fep...)
	s.mu.Unlock()

	entries, err = filterEntries(entries, fep, mode == transport.ListSealOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Problem filtering directory listing: %v", err))
		return
	}

	items := make([]transport.DirEntry, 0, len(entries))
	for _, e := range entries {
		items = append(items, transport.DirEntry{
			Item:  e.Name(),
			Path:  filepath.Join(dir, e.Name()),
			IsDir: e.IsDir(),
		})
	}
	writeJSON(w, http.StatusOK, items)
}
