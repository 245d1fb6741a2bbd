package document

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func validDocument() Document {
	return Document{
		Mode:      ModeSeal,
		Verbosity: "info",
		Spid:      1,
		Fep:       []string{"*.tmp"},
		Sources:   []string{"/data"},
	}
}

func TestDocument_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Document)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid document",
			mutate:  func(d *Document) {},
			wantErr: false,
		},
		{
			name:    "invalid mode",
			mutate:  func(d *Document) { d.Mode = "FOO" },
			wantErr: true,
			errMsg:  "invalid mode",
		},
		{
			name:    "invalid verbosity",
			mutate:  func(d *Document) { d.Verbosity = "loud" },
			wantErr: true,
			errMsg:  "invalid verbosity",
		},
		{
			name:    "verbosity is case-insensitive",
			mutate:  func(d *Document) { d.Verbosity = "WARN" },
			wantErr: false,
		},
		{
			name:    "zero input streams",
			mutate:  func(d *Document) { d.Spid = 0 },
			wantErr: true,
			errMsg:  "streams per input device",
		},
		{
			name: "copy without output streams",
			mutate: func(d *Document) {
				d.Mode = ModeCopy
				d.Spod = 0
				d.Destinations = []string{"/backup"}
			},
			wantErr: true,
			errMsg:  "streams per output device",
		},
		{
			name: "copy without destination",
			mutate: func(d *Document) {
				d.Mode = ModeCopy
				d.Spod = 1
			},
			wantErr: true,
			errMsg:  "requires at least one destination",
		},
		{
			name:    "bad patterns are all reported",
			mutate:  func(d *Document) { d.Fep = []string{"[", "ok", ""} },
			wantErr: true,
			errMsg:  "; ",
		},
		{
			name:    "no sources",
			mutate:  func(d *Document) { d.Sources = nil },
			wantErr: true,
			errMsg:  "didn't provide a single source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDocument()
			tt.mutate(&d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestDocument_EmptyListsEncodeAsArrays(t *testing.T) {
	d := Document{SocketURL: "/ws"}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(raw["fep"]) != "[]" {
		t.Errorf("expected fep to encode as [], got %s", raw["fep"])
	}
	if string(raw["sources"]) != "[]" {
		t.Errorf("expected sources to encode as [], got %s", raw["sources"])
	}
}

func TestDocument_PreservesUnknownFields(t *testing.T) {
	input := `{"mode":"seal","fep":[],"socketURL":"/ws","schedule":{"every":"1h"},"owner":"someone"}`

	var d Document
	if err := json.Unmarshal([]byte(input), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if d.Mode != ModeSeal || d.SocketURL != "/ws" {
		t.Errorf("known fields not decoded: %+v", d)
	}
	if v, ok := d.Extra("schedule"); !ok || string(v) != `{"every":"1h"}` {
		t.Errorf("expected schedule to be preserved, got %s (ok=%v)", v, ok)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back map[string]json.RawMessage
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal of output failed: %v", err)
	}
	if string(back["owner"]) != `"someone"` {
		t.Errorf("expected owner to survive encode, got %s", back["owner"])
	}
	if _, ok := back["schedule"]; !ok {
		t.Error("expected schedule to survive encode")
	}
}

func TestDocument_SetExtraRejectsKnownField(t *testing.T) {
	var d Document
	if err := d.SetExtra("fep", json.RawMessage(`[]`)); err == nil {
		t.Error("expected error when setting a known field as extra")
	}
	if err := d.SetExtra("note", json.RawMessage(`"x"`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	d := validDocument()
	_ = d.SetExtra("note", json.RawMessage(`"a"`))

	c := d.Clone()
	c.Fep[0] = "changed"
	c.Sources = append(c.Sources, "/other")
	_ = c.SetExtra("note", json.RawMessage(`"b"`))

	if d.Fep[0] != "*.tmp" {
		t.Errorf("clone shares fep with original: %v", d.Fep)
	}
	if len(d.Sources) != 1 {
		t.Errorf("clone shares sources with original: %v", d.Sources)
	}
	if v, _ := d.Extra("note"); string(v) != `"a"` {
		t.Errorf("clone shares extra with original: %s", v)
	}

	var nilDoc *Document
	if nilDoc.Clone() != nil {
		t.Error("expected Clone of nil to be nil")
	}
}

func TestDiff(t *testing.T) {
	defaults := Default()
	current := defaults.Clone()
	current.Fep = append(current.Fep, "*.tmp")
	current.Sources = []string{"/data"}

	changed, err := Diff(defaults, current)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	want := []string{"fep", "sources"}
	if !reflect.DeepEqual(changed, want) {
		t.Errorf("Diff() = %v, want %v", changed, want)
	}

	same, err := Diff(defaults, defaults.Clone())
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(same) != 0 {
		t.Errorf("expected no differences, got %v", same)
	}
}

func TestDiff_NilDocument(t *testing.T) {
	changed, err := Diff(nil, &Document{Mode: ModeVerify})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(changed) == 0 {
		t.Fatal("expected every field of the non-nil document to differ")
	}
	found := false
	for _, f := range changed {
		if f == "mode" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected mode in %v", changed)
	}
}
