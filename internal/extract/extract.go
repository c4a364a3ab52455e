// Package extract implements the outer archive extractor: an untrusting
// tar consumer that deposits each member of the outer archive stream as
// a chunk file in the scratch directory, enforcing hard caps and
// emitting chunk names to a filelist queue in emission order.
package extract

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/outpostvm/qvrestore/internal/chunk"
	"github.com/outpostvm/qvrestore/internal/rerror"
)

// Options configures a single extraction run.
type Options struct {
	// ScratchDir is the destination directory for chunk files.
	ScratchDir string
	// Filter, when non-empty, restricts extraction to members whose
	// logical path (chunk.LogicalPath) has one of these prefixes.
	// Empty means extract everything (--occurrence=1 dedup still
	// applies).
	Filter []string
	// ProbeFilter, when non-empty, additionally emits chunk names for
	// members whose logical path has one of these prefixes without
	// writing them to the scratch directory or counting them against
	// MaxFiles/MaxBytes/LowWaterBytes: a way to learn that a member
	// exists (and what its logical name is) without persisting
	// arbitrarily large content, used by the plan-building peek pass to
	// detect a dom0-home member's username ahead of the real extraction.
	ProbeFilter []string
	// MaxFiles and MaxBytes are hard caps; exceeding either aborts the
	// run with rerror.QuotaExceeded.
	MaxFiles int
	MaxBytes int64
	// LowWaterBytes is the free-space threshold on ScratchDir below
	// which extraction pauses and polls at PollInterval.
	LowWaterBytes int64
	PollInterval  time.Duration
}

// Run consumes r (an outer tar stream) and writes each accepted member
// into opts.ScratchDir, pushing its chunk-relative name onto queue in
// emission order. It pushes chunk.EOF on clean completion or
// chunk.ErrorToken before returning a non-nil error; the caller must
// still call queue.Close().
//
// Grounded on the tar-reader-loop-with-path-guard shape
// (internal/image/unpack.go) and its tar-pipe staging discipline
// (internal/overlay/copy.go), generalized from "unpack container layers
// into a rootfs" to "unpack an untrusted backup archive into chunk
// files with quota enforcement and occurrence=1 dedup".
func Run(r io.Reader, opts Options, queue *chunk.Queue) error {
	tr := tar.NewReader(r)
	seen := make(map[string]bool)

	var filesWritten int
	var bytesWritten int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			queue.Push(chunk.EOF)
			return nil
		}
		if err != nil {
			queue.Push(chunk.ErrorToken)
			return rerror.Wrap(rerror.Io, "read outer tar stream", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			// Path traversal attempt; the archive is untrusted by
			// construction.
			continue
		}

		logical := chunk.LogicalPath(opts.ScratchDir, name)
		matched := passesFilter(logical, opts.Filter)
		probed := !matched && passesFilter(logical, opts.ProbeFilter)
		if !matched && !probed {
			continue
		}
		if seen[name] {
			// --occurrence=1: first copy of a path wins, duplicates
			// in the stream are ignored.
			if _, err := io.Copy(io.Discard, tr); err != nil {
				queue.Push(chunk.ErrorToken)
				return rerror.Wrap(rerror.Io, "discard duplicate member", err)
			}
			continue
		}
		seen[name] = true

		if probed {
			// A probe hit only needs to be named, never persisted.
			if _, err := io.Copy(io.Discard, tr); err != nil {
				queue.Push(chunk.ErrorToken)
				return rerror.Wrap(rerror.Io, "discard probed member", err)
			}
			queue.Push(name)
			continue
		}

		if opts.MaxFiles > 0 && filesWritten >= opts.MaxFiles {
			queue.Push(chunk.ErrorToken)
			return rerror.New(rerror.QuotaExceeded, "max-files exceeded")
		}
		if opts.MaxBytes > 0 && hdr.Size > 0 && bytesWritten+hdr.Size > opts.MaxBytes {
			queue.Push(chunk.ErrorToken)
			return rerror.New(rerror.QuotaExceeded, "max-bytes exceeded")
		}

		if err := waitForSpace(opts.ScratchDir, opts.LowWaterBytes, opts.PollInterval); err != nil {
			queue.Push(chunk.ErrorToken)
			return err
		}

		n, err := writeChunk(opts.ScratchDir, name, tr)
		if err != nil {
			queue.Push(chunk.ErrorToken)
			return err
		}

		filesWritten++
		bytesWritten += n
		queue.Push(name)
	}
}

func passesFilter(logical string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(logical, p) {
			return true
		}
	}
	return false
}

func writeChunk(scratchDir, name string, r io.Reader) (int64, error) {
	target := filepath.Join(scratchDir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return 0, rerror.Wrap(rerror.Io, "create chunk directory", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, rerror.Wrap(rerror.Io, "create chunk file", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, rerror.Wrap(rerror.Io, "write chunk file", err)
	}
	return n, nil
}

// waitForSpace polls the scratch directory's free space at interval
// until it is at or above lowWater, the extractor's own backpressure
// requirement. A zero lowWater disables the check.
func waitForSpace(dir string, lowWater int64, interval time.Duration) error {
	if lowWater <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	for {
		free, err := freeBytes(dir)
		if err != nil {
			return rerror.Wrap(rerror.Io, "statfs scratch dir", err)
		}
		if free >= lowWater {
			return nil
		}
		time.Sleep(interval)
	}
}

func freeBytes(dir string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
