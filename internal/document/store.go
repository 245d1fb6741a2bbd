package document

import (
	"errors"
	"sync"
)

// ErrNoDocument is returned by Update before the first Replace.
var ErrNoDocument = errors.New("no document loaded")

// Origin tags where a document mutation came from.
type Origin int

const (
	// OriginRemote indicates the document was refreshed from the server.
	OriginRemote Origin = iota
	// OriginLocal indicates the document was edited locally.
	OriginLocal
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "remote"
	case OriginLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after every mutation.
type Change struct {
	Origin   Origin
	Document *Document
}

type subscription struct {
	id int
	fn func(Change)
}

// Store holds the current document and the server defaults.
// Getters return copies; callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	current  *Document
	defaults *Document
	subs     []subscription
	nextID   int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns a copy of the current document, or nil if none was loaded yet.
func (s *Store) Current() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace overwrites the current document and notifies subscribers.
// A nil document is ignored.
func (s *Store) Replace(doc *Document, origin Origin) {
	if doc == nil {
		return
	}

	s.mu.Lock()
	s.current = doc.Clone()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.notify(subs, origin, doc)
}

// Update applies fn to a copy of the current document and replaces it.
func (s *Store) Update(fn func(*Document), origin Origin) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoDocument
	}
	next := s.current.Clone()
	fn(next)
	s.current = next.Clone()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.notify(subs, origin, next)
	return nil
}

// notify runs outside the lock so subscribers may call back into the store.
func (s *Store) notify(subs []subscription, origin Origin, doc *Document) {
	for _, sub := range subs {
		sub.fn(Change{Origin: origin, Document: doc.Clone()})
	}
}

// Subscribe registers fn for every mutation. Subscribers run in registration
// order on the goroutine that mutated the store. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// SetDefaults stores the server defaults. Subscribers are not notified.
func (s *Store) SetDefaults(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = doc.Clone()
}

// Defaults returns a copy of the server defaults, or nil if unknown.
func (s *Store) Defaults() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults.Clone()
}
