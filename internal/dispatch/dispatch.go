// Package dispatch implements the handler dispatcher: the inner
// extraction worker. It consumes chunk filenames from a single queue in
// emission order, reassembles each logical file, verifies and decrypts
// it, and hands the result to a registered handler.
package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/outpostvm/qvrestore/internal/chunk"
	"github.com/outpostvm/qvrestore/internal/crypto"
	"github.com/outpostvm/qvrestore/internal/header"
	"github.com/outpostvm/qvrestore/internal/pipeline"
	"github.com/outpostvm/qvrestore/internal/rerror"
)

// Handler streams a reassembled, decrypted, decompressed logical file.
// r yields plaintext bytes incrementally: a handler must read it with
// io.Copy or similar rather than assume it is already fully buffered,
// since a decompressed volume image can be many times the size of its
// compressed chunk bytes on disk. size is the plaintext size if known
// ahead of time (no compression or legacy decryption stage ran), or -1
// otherwise.
type Handler func(logical string, r io.Reader, size int) error

// Result is one logical file's outcome, collected for the caller to
// report per-VM success/failure without aborting the whole restore.
type Result struct {
	Logical string
	Err     error
}

// state mirrors a per-logical-file machine: idle while
// no logical file is open, active while accumulating its chunks.
type state int

const (
	idle state = iota
	active
)

// Dispatcher drives the idle/active/flush/done state machine described
// grounded on the Instance state machine
// (internal/lifecycle/manager.go): a mutex-guarded struct with an
// explicit state field and a table of valid transitions, here applied
// to one in-flight logical file instead of one VM instance.
type Dispatcher struct {
	ScratchDir string
	Header     *header.Header
	BackupID   string
	Passphrase string
	Handlers   map[string]Handler

	st           state
	logical      string
	nextOrdinal  int
	buf          bytes.Buffer
	pendingData  []byte
	pendingOK    bool
	skipping     bool
	results      []Result
}

// Run drains queue, dispatching each logical file to its handler as it
// completes. It returns a fatal error only for decrypt/authentication
// failures (fatal for the whole restore); all other
// per-logical-file failures are recorded in the returned Result slice
// and do not stop the run. The caller is responsible for observing
// cancellation upstream (on the feed producing queue) and for mapping a
// cancellation-caused chunk.ErrorToken to chunk.EOF if the logical file
// already in progress should still flush as a success.
func (d *Dispatcher) Run(queue *chunk.Queue) ([]Result, error) {
	for name := range queue.Chan() {
		switch name {
		case chunk.EOF:
			if err := d.flush(); err != nil {
				return d.results, err
			}
			return d.results, nil
		case chunk.ErrorToken:
			d.abortActive(rerror.New(rerror.Io, "outer extractor reported an error"))
			return d.results, rerror.New(rerror.Io, "outer extraction failed")
		default:
			if err := d.consume(name); err != nil {
				return d.results, err
			}
		}
	}
	// Channel closed without an explicit EOF/ErrorToken sentinel.
	if err := d.flush(); err != nil {
		return d.results, err
	}
	return d.results, nil
}

func (d *Dispatcher) consume(name string) error {
	n, ok := chunk.ParseName(name)
	if !ok {
		return nil // not a chunk-shaped name; ignore defensively
	}
	logical := n.Logical

	if d.st == active && logical != d.logical {
		if err := d.flush(); err != nil {
			return err
		}
	}

	if d.st == idle {
		if err := d.open(logical); err != nil {
			return err
		}
	}

	return d.feed(name, n)
}

func (d *Dispatcher) open(logical string) error {
	d.st = active
	d.logical = logical
	d.nextOrdinal = 0
	d.buf.Reset()
	d.pendingData = nil
	d.pendingOK = false

	if _, ok := lookupHandler(d.Handlers, logical); !ok {
		d.skipping = true
	} else {
		d.skipping = false
	}
	return nil
}

func (d *Dispatcher) feed(name string, n chunk.Name) error {
	path := filepath.Join(d.ScratchDir, name)
	defer os.Remove(path) // steady-state footprint: one chunk on disk at a time

	switch n.Suffix {
	case ".hmac":
		if d.skipping {
			return nil
		}
		if !d.pendingOK {
			return rerror.New(rerror.BadHeader, fmt.Sprintf("hmac chunk %q with no preceding data chunk", name))
		}
		if n.Ordinal != d.nextOrdinal {
			return d.ordinalGap(n.Ordinal)
		}
		if err := crypto.VerifyHMACFile(d.Header.HMACAlgorithm, d.Passphrase, d.pendingData, path); err != nil {
			return err // BadPassphrase: fatal for the whole restore
		}
		d.buf.Write(d.pendingData)
		d.pendingData = nil
		d.pendingOK = false
		d.nextOrdinal++
		return nil

	case ".enc", "":
		if n.Ordinal != d.nextOrdinal {
			return d.ordinalGap(n.Ordinal)
		}
		if d.skipping {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return rerror.Wrap(rerror.Io, "read chunk", err)
		}

		if n.Suffix == ".enc" {
			d.buf.Write(data)
			d.nextOrdinal++
			return nil
		}

		if d.Header.HMACAlgorithm == "" {
			// No MAC in play (unauthenticated legacy archive); accept
			// the chunk immediately.
			d.buf.Write(data)
			d.nextOrdinal++
			return nil
		}
		d.pendingData = data
		d.pendingOK = true
		return nil

	default:
		return rerror.New(rerror.BadHeader, fmt.Sprintf("unrecognized chunk suffix %q", n.Suffix))
	}
}

func (d *Dispatcher) ordinalGap(got int) error {
	err := rerror.New(rerror.HandlerFailed, fmt.Sprintf("chunk ordinal gap for %q: expected %d, got %d", d.logical, d.nextOrdinal, got))
	d.abortActive(err)
	return nil // a gap fails only the current logical file, not the run
}

func (d *Dispatcher) abortActive(err error) {
	if d.st != active {
		return
	}
	d.results = append(d.results, Result{Logical: d.logical, Err: err})
	d.st = idle
}

// flush finalizes the active logical file: reassembles, decrypts, and
// dispatches it to its handler. A decrypt/authentication failure is
// returned as a fatal error; any other handler failure is
// recorded in d.results and does not abort the run.
func (d *Dispatcher) flush() error {
	if d.st != active {
		return nil
	}
	logical, skipping := d.logical, d.skipping
	data := append([]byte(nil), d.buf.Bytes()...)
	d.st = idle

	if skipping {
		return nil
	}

	if d.Header.Version >= 4 {
		plain, err := pipeline.DecryptAEADFile(d.BackupID, logical, d.Passphrase, data)
		if err != nil {
			return err // fatal: BadPassphrase
		}
		data = plain
	}

	r, err := pipeline.Open(d.Header, d.Passphrase, bytes.NewReader(data))
	if err != nil {
		if kind, ok := rerror.KindOf(err); ok && kind == rerror.BadPassphrase {
			return err
		}
		d.results = append(d.results, Result{Logical: logical, Err: err})
		return nil
	}

	// Size is only known ahead of time when neither stage ran: a
	// compressed or legacy-encrypted logical file's plaintext size
	// isn't known until it has been fully read, which the handler,
	// not flush, is responsible for doing.
	size := -1
	if !d.Header.Compressed && !(d.Header.Encrypted && d.Header.Version < 4) {
		size = len(data)
	}

	handler, _ := lookupHandler(d.Handlers, logical)
	if err := handler(logical, r, size); err != nil {
		d.results = append(d.results, Result{Logical: logical, Err: err})
		return nil
	}

	d.results = append(d.results, Result{Logical: logical, Err: nil})
	return nil
}

// lookupHandler finds the handler for an exact logical path, or for
// its parent directory if the path ends with "." (a whole-directory
// archive, e.g. dom0-home).
func lookupHandler(handlers map[string]Handler, logical string) (Handler, bool) {
	if h, ok := handlers[logical]; ok {
		return h, true
	}
	if strings.HasSuffix(logical, ".") {
		dir := strings.TrimSuffix(logical, ".")
		if h, ok := handlers[dir]; ok {
			return h, true
		}
	}
	return nil, false
}
