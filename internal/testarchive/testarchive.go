// Package testarchive builds in-memory outer-archive tar streams for
// internal/orchestrator's tests: backup-header plus chunk-named members,
// shaped exactly the way internal/extract expects them on the wire, with
// helpers for each header version's encryption/MAC scheme.
//
// This package stands in for the external tool that would have produced
// a real archive, so it duplicates the minimum of internal/crypto's
// legacy-KDF math (scrypt then AES-CBC) needed to produce ciphertext
// internal/crypto can decrypt — it never imports internal/crypto's
// unexported key derivation, deliberately, since a fixture builder
// should not need a production package's internals to be a convincing
// counterpart of a real archive tool.
package testarchive

import (
	"archive/tar"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/scrypt"

	"github.com/outpostvm/qvrestore/internal/crypto"
	"github.com/outpostvm/qvrestore/internal/header"
)

// Builder accumulates tar members for one synthetic archive.
type Builder struct {
	buf *bytes.Buffer
	tw  *tar.Writer

	hdr        *header.Header
	backupID   string
	passphrase string
}

// New starts a builder for an archive whose backup-header will validate
// as hdr once parsed, authenticated under backupID/passphrase.
func New(hdr *header.Header, backupID, passphrase string) *Builder {
	buf := &bytes.Buffer{}
	return &Builder{buf: buf, tw: tar.NewWriter(buf), hdr: hdr, backupID: backupID, passphrase: passphrase}
}

// Bytes finalizes the tar stream and returns it. The Builder must not be
// used afterward.
func (b *Builder) Bytes() []byte {
	b.tw.Close()
	return b.buf.Bytes()
}

// Offset flushes the in-progress tar member (padding it to a full block)
// and returns the current stream length, giving callers a byte-exact cut
// point between two members — used by cancellation tests to stop a
// reader exactly between one VM's chunks and the next.
func (b *Builder) Offset() int {
	b.tw.Flush()
	return b.buf.Len()
}

func (b *Builder) writeMember(name string, data []byte) {
	b.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0600,
		Size:     int64(len(data)),
	})
	b.tw.Write(data)
}

// serializeHeader renders the header fields as the plaintext key=value
// format internal/header.Parse consumes.
func (b *Builder) serializeHeader() []byte {
	h := b.hdr
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version=%d\n", h.Version)
	if h.Version == 1 {
		return buf.Bytes()
	}
	fmt.Fprintf(&buf, "hmac-algorithm=%s\n", h.HMACAlgorithm)
	if h.Encrypted {
		fmt.Fprintf(&buf, "encrypted=1\n")
		if h.Version < 4 && h.HasCryptoAlgorithm {
			fmt.Fprintf(&buf, "crypto-algorithm=%s\n", h.CryptoAlgorithm)
		}
	}
	if h.Compressed {
		fmt.Fprintf(&buf, "compressed=1\n")
		fmt.Fprintf(&buf, "compression-filter=%s\n", h.CompressionFilter)
	}
	if h.Version >= 4 {
		fmt.Fprintf(&buf, "backup-id=%s\n", b.backupID)
	} else if h.HasBackupID {
		fmt.Fprintf(&buf, "backup-id=%s\n", h.BackupID)
	}
	return buf.Bytes()
}

// AddHeader writes the backup-header member and, for version >= 2, its
// authenticating companion: a detached HMAC file for versions 2-3, or a
// whole-file AEAD seal for version 4.
func (b *Builder) AddHeader() {
	plain := b.serializeHeader()
	b.writeMember("backup-header", plain)

	if b.hdr.Version < 2 {
		return
	}
	if b.hdr.Version >= 4 {
		sealed := sealAEAD(derivePassword("", "backup-header", b.passphrase), plain)
		b.writeMember("backup-header.enc", sealed)
		return
	}
	mac := hmacHex(b.hdr.HMACAlgorithm, b.passphrase, plain)
	b.writeMember("backup-header.hmac", []byte(mac))
}

// AddFile writes logical as a single chunk (ordinal 000), applying
// compression, legacy encryption, HMAC, or AEAD sealing according to the
// builder's header, exactly as a real producer would for that version.
func (b *Builder) AddFile(logical string, plaintext []byte) {
	body := plaintext
	if b.hdr.Compressed {
		body = gzipCompress(body)
	}

	if b.hdr.Version >= 4 {
		sealed := sealAEAD(derivePassword(b.backupID, logical, b.passphrase), body)
		b.writeMember(fmt.Sprintf("%s.000.enc", logical), sealed)
		return
	}

	if b.hdr.Encrypted {
		body = cbcEncrypt(b.passphrase, body)
	}
	b.writeMember(fmt.Sprintf("%s.000", logical), body)
	if b.hdr.HMACAlgorithm != "" {
		mac := hmacHex(b.hdr.HMACAlgorithm, b.passphrase, body)
		b.writeMember(fmt.Sprintf("%s.000.hmac", logical), []byte(mac))
	}
}

// AddRaw writes an arbitrary tar member verbatim, for tests that need to
// simulate malformed or gapped chunk sequences.
func (b *Builder) AddRaw(name string, data []byte) {
	b.writeMember(name, data)
}

func derivePassword(backupID, logical, passphrase string) string {
	return crypto.DerivePerFilePassword(backupID, logical, passphrase)
}

func sealAEAD(password string, plaintext []byte) []byte {
	salt := make([]byte, 16)
	nonce := make([]byte, 12)
	io.ReadFull(rand.Reader, salt)
	io.ReadFull(rand.Reader, nonce)
	sealed, err := crypto.EncryptAEAD(password, plaintext, salt, nonce)
	if err != nil {
		panic(err)
	}
	return sealed
}

func gzipCompress(data []byte) []byte {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(data)
	gw.Close()
	return buf.Bytes()
}

// cbcEncrypt mirrors internal/crypto.DecryptLegacy's wire layout: a
// 16-byte salt doubling as the CBC IV, scrypt-derived key, PKCS7 padding.
func cbcEncrypt(passphrase string, plaintext []byte) []byte {
	salt := make([]byte, aes.BlockSize)
	io.ReadFull(rand.Reader, salt)

	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		panic(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, salt).CryptBlocks(out, padded)

	return append(append([]byte{}, salt...), out...)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func hmacHex(algorithm, passphrase string, data []byte) string {
	// internal/crypto.VerifyHMAC recomputes this itself; duplicating the
	// hex-encode-of-keyed-digest here keeps this package independent of
	// internal/crypto's verification path, the same separation AddHeader
	// and AddFile keep for encryption.
	var newH func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha256":
		newH = sha256.New
	case "sha512":
		newH = sha512.New
	default:
		newH = sha1.New
	}
	mac := hmac.New(newH, []byte(passphrase))
	mac.Write(data)
	return fmt.Sprintf("%x", mac.Sum(nil))
}
