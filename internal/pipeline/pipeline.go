// Package pipeline builds the per-logical-file decrypt/decompress chain
// optional decryptor, optional decompressor, handed
// off to an inner-tar or raw consumer in internal/handlers.
//
// A C implementation of this pipeline would shell out to
// openssl/gunzip/tar as a pipe of subprocesses (internal/harness.exec.go
// streams a subprocess's stdout/stderr the same way). Go's standard
// library and the klauspost/compress package expose the same
// transforms as pure in-process io.Reader filters, so this package
// keeps the "ordered stage, each one wraps the previous
// stage's stream" shape but composes io.Readers instead of spawning
// processes — the chunk bytes never leave the restoring process.
package pipeline

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/outpostvm/qvrestore/internal/crypto"
	"github.com/outpostvm/qvrestore/internal/header"
	"github.com/outpostvm/qvrestore/internal/rerror"
)

// Stage wraps an input stream, producing the next stage's input.
type Stage interface {
	Wrap(r io.Reader) (io.Reader, error)
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc func(r io.Reader) (io.Reader, error)

// Wrap implements Stage.
func (f StageFunc) Wrap(r io.Reader) (io.Reader, error) { return f(r) }

// Build assembles the stage chain for one logical file, per the
// archive header: an optional legacy decryptor (v2/v3 only, v4 is
// decrypted whole before this point since AEAD must see the entire
// ciphertext at once), then an optional decompressor.
//
// For v4 archives the caller must decrypt the reassembled chunk bytes
// with crypto.DecryptAEAD before calling Build, since v4's
// authenticated encryption covers the entire logical file and cannot
// be streamed block-by-block the way legacy CBC can; Build's decrypt
// stage therefore only fires for h.Version < 4.
func Build(h *header.Header, passphrase string) []Stage {
	var stages []Stage

	if h.Encrypted && h.Version < 4 {
		algorithm := h.CryptoAlgorithm
		stages = append(stages, StageFunc(func(r io.Reader) (io.Reader, error) {
			ciphertext, err := io.ReadAll(r)
			if err != nil {
				return nil, rerror.Wrap(rerror.Io, "read ciphertext", err)
			}
			plain, err := crypto.DecryptLegacy(algorithm, passphrase, ciphertext)
			if err != nil {
				return nil, err
			}
			return bytes.NewReader(plain), nil
		}))
	}

	if h.Compressed {
		filter := h.CompressionFilter
		stages = append(stages, StageFunc(func(r io.Reader) (io.Reader, error) {
			return newDecompressor(filter, r)
		}))
	}

	return stages
}

// Open reassembles the ordered chunk byte stream (r) into the final,
// ready-to-consume stream for HandlerDispatcher, applying Build's
// stage chain in order. For v4 archives r must already be the
// AEAD-decrypted plaintext (see Build's doc comment); DecryptAEADFile
// performs that whole-file decryption ahead of this call.
func Open(h *header.Header, passphrase string, r io.Reader) (io.Reader, error) {
	out := r
	for _, s := range Build(h, passphrase) {
		var err error
		out, err = s.Wrap(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecryptAEADFile decrypts an entire v4 logical file (the reassembled
// concatenation of its .000.enc.. N chunks) in one shot, since AEAD
// authentication covers the whole ciphertext.
func DecryptAEADFile(backupID, logicalName, passphrase string, ciphertext []byte) ([]byte, error) {
	password := crypto.DerivePerFilePassword(backupID, logicalName, passphrase)
	return crypto.DecryptAEAD(password, ciphertext)
}

var knownFilters = map[string]func(io.Reader) (io.Reader, error){
	"gzip": func(r io.Reader) (io.Reader, error) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, rerror.Wrap(rerror.Io, "open gzip stream", err)
		}
		return gz, nil
	},
	// bzip2 has no decode error to surface up front: compress/bzip2's
	// reader reports corruption lazily, on the first Read that hits it.
	"bzip2": func(r io.Reader) (io.Reader, error) {
		return bzip2.NewReader(r), nil
	},
}

func newDecompressor(filter string, r io.Reader) (io.Reader, error) {
	open, ok := knownFilters[filter]
	if !ok {
		return nil, rerror.New(rerror.BadHeader, "unsupported compression-filter: "+filter)
	}
	return open(r)
}
