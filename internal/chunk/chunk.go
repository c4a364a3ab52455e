// Package chunk implements the chunk-file naming scheme, scratch
// directory lifecycle, and the bounded single-producer/single-consumer
// queue connecting the outer extractor to the handler dispatcher.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ScratchPrefix prefixes every scratch directory name so it cannot
// collide with a legal VM name.
const ScratchPrefix = "qvrestore-scratch-"

// NewScratchDir creates a fresh scratch directory under root and
// returns its path.
func NewScratchDir(root string) (string, error) {
	dir := filepath.Join(root, ScratchPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// RemoveScratchDir deletes the scratch directory and everything under
// it. Debug builds may instead call KeepScratchOnError policy and skip
// this.
func RemoveScratchDir(dir string) error {
	return os.RemoveAll(dir)
}

var chunkNamePattern = regexp.MustCompile(`^(.*)\.(\d{3})(\.hmac|\.enc)?$`)

// Name is a parsed chunk filename: <logical>.<NNN>[.hmac|.enc].
type Name struct {
	Logical  string
	Ordinal  int
	Suffix   string // "", ".hmac", or ".enc"
}

// ParseName parses a chunk filename into its logical name and ordinal.
// It returns ok=false for anything that doesn't match the chunk naming
// scheme (e.g. "backup-header" itself, which has no ordinal).
func ParseName(name string) (Name, bool) {
	m := chunkNamePattern.FindStringSubmatch(name)
	if m == nil {
		return Name{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return Name{}, false
	}
	return Name{Logical: m[1], Ordinal: n, Suffix: m[3]}, true
}

// FormatName builds a chunk filename from its parts.
func FormatName(logical string, ordinal int, suffix string) string {
	return fmt.Sprintf("%s.%03d%s", logical, ordinal, suffix)
}

// IsFirstChunk reports whether name is the opening chunk of a logical
// file (ordinal 000).
func IsFirstChunk(name string) bool {
	n, ok := ParseName(name)
	return ok && n.Ordinal == 0
}

// LogicalPath derives the logical path from a chunk path by dropping the
// scratch-directory prefix and the ordinal/suffix.
func LogicalPath(scratchDir, chunkPath string) string {
	rel := strings.TrimPrefix(chunkPath, scratchDir)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	if n, ok := ParseName(rel); ok {
		return n.Logical
	}
	return rel
}

// Sentinel values pushed onto the filelist channel by the outer
// extractor to signal end-of-stream or a fatal error, mirroring a
// QUEUE_FINISHED/QUEUE_ERROR style marker pair.
const (
	EOF        = "!!!FINISHED"
	ErrorToken = "!!!ERROR"
)

// Queue is a bounded channel of chunk filenames (relative to the scratch
// directory) in emission order, from OuterExtractor to HandlerDispatcher.
type Queue struct {
	ch chan string
}

// NewQueue creates a Queue with the given buffer depth.
func NewQueue(depth int) *Queue {
	return &Queue{ch: make(chan string, depth)}
}

// Push enqueues a chunk filename or sentinel. Blocks if the queue is full
// (this is OuterExtractor's natural backpressure point).
func (q *Queue) Push(name string) {
	q.ch <- name
}

// Chan exposes the receive side for HandlerDispatcher's consume loop.
func (q *Queue) Chan() <-chan string {
	return q.ch
}

// Close closes the underlying channel. Callers must not Push after Close.
func (q *Queue) Close() {
	close(q.ch)
}
