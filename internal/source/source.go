// Package source implements the archive source reader: opening the raw
// archive byte stream, either from a local file or by invoking a named
// RPC service inside a VM, with bounded stderr capture and a kill
// handle for cancellation.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

// Stream is an open archive byte source. Read drains the archive body.
// Stderr returns whatever was captured from the remote side (bounded to
// the configured cap), useful for diagnosing RemoteRefused failures.
// Kill aborts the underlying transport; Close releases all resources.
type Stream struct {
	r          io.Reader
	closer     io.Closer
	kill       func()
	stderrBuf  *boundedBuffer
	waitErr    func() error
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Close releases the stream and waits for any subprocess to exit.
func (s *Stream) Close() error {
	var err error
	if s.closer != nil {
		err = s.closer.Close()
	}
	if s.waitErr != nil {
		if werr := s.waitErr(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Kill aborts the transport immediately (used on orchestrator
// cancellation).
func (s *Stream) Kill() {
	if s.kill != nil {
		s.kill()
	}
}

// Stderr returns the bytes captured from the remote side's stderr
// stream, up to the configured cap.
func (s *Stream) Stderr() []byte {
	if s.stderrBuf == nil {
		return nil
	}
	return s.stderrBuf.Bytes()
}

// OpenFile opens a local file as the archive stream. Used by the
// --verify-only / local-testing path: a local file in place of a VM RPC.
func OpenFile(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, fmt.Sprintf("open source file %q", path), err)
	}
	return &Stream{r: bufio.NewReaderSize(f, 64*1024), closer: f}, nil
}

// OpenRPC invokes the given command (the qrexec-style call into a VM)
// and streams its stdout as the archive body. Stderr is captured up to
// stderrCap bytes and discarded beyond that so a misbehaving remote
// can't exhaust memory. The command is started in its own process
// group equivalent via exec.CommandContext so ctx cancellation (or an
// explicit Kill) terminates it.
//
// Grounded on NetControlChannel's shape: a raw transport plus a
// side channel, generalized here from newline-framed JSON to an
// unframed byte stream with a bounded side channel instead of a framed
// control channel.
func OpenRPC(ctx context.Context, name string, args []string, stderrCap int) (*Stream, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rerror.Wrap(rerror.RemoteRefused, "open stdout pipe", err)
	}
	buf := newBoundedBuffer(stderrCap)
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return nil, rerror.Wrap(rerror.RemoteRefused, fmt.Sprintf("start %q", name), err)
	}

	var once sync.Once
	kill := func() {
		once.Do(func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		})
	}

	waitErr := func() error {
		if err := cmd.Wait(); err != nil {
			return rerror.Wrap(rerror.RemoteRefused, fmt.Sprintf("%s exited: %s", name, buf.Bytes()), err)
		}
		return nil
	}

	return &Stream{
		r:         stdout,
		closer:    io.NopCloser(nil), // stdout pipe closes on Wait
		kill:      kill,
		stderrBuf: buf,
		waitErr:   waitErr,
	}, nil
}

// boundedBuffer is an io.Writer that retains at most max bytes, silently
// discarding anything beyond that so an adversarial remote can't use
// stderr chatter to exhaust memory.
type boundedBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}
