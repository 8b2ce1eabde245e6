package recording

import (
	"path/filepath"
	"testing"
)

func TestRecordStdoutThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "sess1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.RecordStdout("hello"); err != nil {
		t.Fatalf("RecordStdout: %v", err)
	}
	if err := r.RecordStderr("oops"); err != nil {
		t.Fatalf("RecordStderr: %v", err)
	}
	if err := r.RecordMeta("model", "opus"); err != nil {
		t.Fatalf("RecordMeta: %v", err)
	}

	events, err := Load(dir, "sess1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Type != "stdout" || events[0].Data != "hello" {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Type != "stderr" || events[1].Data != "oops" {
		t.Fatalf("events[1] = %+v", events[1])
	}
	if events[2].Type != "meta" || events[2].Data != "model=opus" {
		t.Fatalf("events[2] = %+v", events[2])
	}
}

func TestPathUnderDir(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "sess2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Path() != filepath.Join(dir, "sess2.jsonl") {
		t.Fatalf("Path() = %q", r.Path())
	}
}

func TestLoadMissingSessionFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "nope"); err == nil {
		t.Fatalf("expected error loading missing session")
	}
}
