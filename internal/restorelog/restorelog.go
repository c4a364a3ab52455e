// Package restorelog provides durable event logging for a single restore
// run: an in-memory ring buffer for the summary table plus NDJSON file
// persistence, so a crashed restore leaves a readable trail behind.
package restorelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxEntries = 10000

// Event sources, mirroring which pipeline stage produced the entry.
const (
	SourceHeader  = "header"
	SourcePlan    = "plan"
	SourceVM      = "vm"
	SourceHandler = "handler"
	SourceSystem  = "system"
)

// Entry is a single timestamped restore event.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	VM        string    `json:"vm,omitempty"`
	Message   string    `json:"message"`
	Err       string    `json:"err,omitempty"`
}

// Recorder accumulates events for one restore run.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	file    *os.File
}

// New creates a Recorder that also persists events to path as NDJSON.
// An empty path disables file persistence (in-memory only, used by tests).
func New(path string) (*Recorder, error) {
	r := &Recorder{}
	if path == "" {
		return r, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	r.file = f
	return r, nil
}

// Record appends an event to the in-memory buffer and, if enabled, the
// NDJSON file. Timestamp must be supplied by the caller.
func (r *Recorder) Record(ts time.Time, source, vm, message string, err error) {
	e := Entry{Timestamp: ts, Source: source, VM: vm, Message: message}
	if err != nil {
		e.Err = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	if len(r.entries) > maxEntries {
		r.entries = r.entries[len(r.entries)-maxEntries:]
	}

	if r.file != nil {
		data, merr := json.Marshal(e)
		if merr == nil {
			data = append(data, '\n')
			r.file.Write(data)
		}
	}
}

// Entries returns a snapshot of all recorded events.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ForVM filters the in-memory entries to one VM's events.
func (r *Recorder) ForVM(vm string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.VM == vm {
			out = append(out, e)
		}
	}
	return out
}

// Close closes the underlying file, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
