package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenFileReadsContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.bin")
	want := []byte("archive body bytes")
	if err := os.WriteFile(path, want, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile("/nonexistent/path/to/archive")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOpenRPCStreamsStdout(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRPC(ctx, "sh", []string{"-c", "printf hello; printf warn >&2"}, 1024)
	if err != nil {
		t.Fatalf("OpenRPC: %v", err)
	}
	defer s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(s.Stderr()) != "warn" {
		t.Errorf("stderr = %q, want %q", s.Stderr(), "warn")
	}
}

func TestOpenRPCStderrCapIsBounded(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRPC(ctx, "sh", []string{"-c", "printf '0123456789' >&2"}, 4)
	if err != nil {
		t.Fatalf("OpenRPC: %v", err)
	}
	defer s.Close()

	io.ReadAll(s)
	s.Close()

	if len(s.Stderr()) != 4 {
		t.Errorf("stderr len = %d, want 4 (capped)", len(s.Stderr()))
	}
}

func TestOpenRPCKill(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRPC(ctx, "sh", []string{"-c", "sleep 5"}, 64)
	if err != nil {
		t.Fatalf("OpenRPC: %v", err)
	}
	s.Kill()
	// Close should not hang once killed.
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after Kill")
	}
}
