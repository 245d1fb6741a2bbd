package document

import (
	"errors"
	"testing"
)

func TestStore_EmptyBeforeFirstReplace(t *testing.T) {
	s := NewStore()
	if s.Current() != nil {
		t.Error("expected nil current document")
	}
	if s.Defaults() != nil {
		t.Error("expected nil defaults")
	}
	if err := s.Update(func(d *Document) {}, OriginLocal); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected ErrNoDocument, got %v", err)
	}
}

func TestStore_ReplaceNotifiesWithOrigin(t *testing.T) {
	s := NewStore()

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.Replace(&Document{SocketURL: "/ws"}, OriginRemote)
	if err := s.Update(func(d *Document) { d.Fep = append(d.Fep, "*.tmp") }, OriginLocal); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Origin != OriginRemote || changes[1].Origin != OriginLocal {
		t.Errorf("unexpected origins: %v, %v", changes[0].Origin, changes[1].Origin)
	}
	if got := changes[1].Document.Fep; len(got) != 1 || got[0] != "*.tmp" {
		t.Errorf("unexpected fep in change: %v", got)
	}
	if got := s.Current().Fep; len(got) != 1 {
		t.Errorf("store not updated: %v", got)
	}
}

func TestStore_ReplaceNilIsIgnored(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Subscribe(func(Change) { calls++ })

	s.Replace(nil, OriginRemote)
	if calls != 0 || s.Current() != nil {
		t.Errorf("nil replace should be a no-op (calls=%d)", calls)
	}
}

func TestStore_CurrentIsACopy(t *testing.T) {
	s := NewStore()
	s.Replace(&Document{Fep: []string{"a"}}, OriginRemote)

	c := s.Current()
	c.Fep[0] = "mutated"

	if s.Current().Fep[0] != "a" {
		t.Error("mutating the returned document changed the store")
	}
}

func TestStore_Unsubscribe(t *testing.T) {
	s := NewStore()
	calls := 0
	unsubscribe := s.Subscribe(func(Change) { calls++ })

	s.Replace(&Document{}, OriginRemote)
	unsubscribe()
	s.Replace(&Document{}, OriginRemote)

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestStore_SubscriberMayReadStore(t *testing.T) {
	s := NewStore()
	var seen *Document
	s.Subscribe(func(Change) { seen = s.Current() })

	s.Replace(&Document{Mode: ModeVerify}, OriginRemote)
	if seen == nil || seen.Mode != ModeVerify {
		t.Errorf("subscriber did not observe the new document: %+v", seen)
	}
}

func TestStore_DefaultsDoNotNotify(t *testing.T) {
	s := NewStore()
	calls := 0
	s.Subscribe(func(Change) { calls++ })

	s.SetDefaults(Default())
	s.SetDefaults(Default())

	if calls != 0 {
		t.Errorf("setting defaults notified subscribers %d times", calls)
	}
	if s.Current() != nil {
		t.Error("setting defaults changed the current document")
	}
	if s.Defaults().Mode != ModeSeal {
		t.Errorf("unexpected defaults: %+v", s.Defaults())
	}
}

func TestOrigin_String(t *testing.T) {
	if OriginLocal.String() != "local" || OriginRemote.String() != "remote" {
		t.Error("unexpected origin strings")
	}
	if Origin(42).String() != "unknown" {
		t.Error("expected unknown for out-of-range origin")
	}
}
