package restorelog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderInMemory(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	now := time.Now()
	r.Record(now, SourceVM, "work", "created", nil)
	r.Record(now, SourceHandler, "work", "firewall import failed", errors.New("bad xml"))

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1].Err != "bad xml" {
		t.Errorf("entries[1].Err = %q, want %q", entries[1].Err, "bad xml")
	}

	forWork := r.ForVM("work")
	if len(forWork) != 2 {
		t.Fatalf("len(ForVM(work)) = %d, want 2", len(forWork))
	}
	if len(r.ForVM("other")) != 0 {
		t.Errorf("ForVM(other) should be empty")
	}
}

func TestRecorderPersistsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "restore.ndjson")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Record(time.Now(), SourceSystem, "", "restore started", nil)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	r2.Record(time.Now(), SourceSystem, "", "restore resumed logging", nil)
}
