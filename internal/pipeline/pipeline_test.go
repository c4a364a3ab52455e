package pipeline

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/outpostvm/qvrestore/internal/crypto"
	"github.com/outpostvm/qvrestore/internal/header"
)

func TestOpenDecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("inner tar bytes"))
	gz.Close()

	h := &header.Header{Version: 4, Compressed: true, CompressionFilter: "gzip"}
	r, err := Open(h, "", bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "inner tar bytes" {
		t.Errorf("got %q", got)
	}
}

func TestOpenRejectsUnknownFilter(t *testing.T) {
	h := &header.Header{Version: 4, Compressed: true, CompressionFilter: "lz4"}
	_, err := Open(h, "", bytes.NewReader([]byte("x")))
	if err == nil {
		t.Fatal("expected error for unsupported filter")
	}
}

func TestOpenPassesThroughWhenNotCompressedOrEncrypted(t *testing.T) {
	h := &header.Header{Version: 1}
	r, err := Open(h, "", bytes.NewReader([]byte("raw bytes")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "raw bytes" {
		t.Errorf("got %q", got)
	}
}

func TestDecryptAEADFileRoundTrip(t *testing.T) {
	password := "secret"
	backupID := "B1"
	logical := "myvm/private.img"

	inner := "disk bytes"
	encPassword := backupID + "!" + logical + "!" + password
	salt := bytes.Repeat([]byte{1}, 16)
	nonce := bytes.Repeat([]byte{2}, 12)

	ct, err := crypto.EncryptAEAD(encPassword, []byte(inner), salt, nonce)
	if err != nil {
		t.Fatalf("EncryptAEAD: %v", err)
	}

	plain, err := DecryptAEADFile(backupID, logical, password, ct)
	if err != nil {
		t.Fatalf("DecryptAEADFile: %v", err)
	}
	if string(plain) != inner {
		t.Errorf("got %q, want %q", plain, inner)
	}
}
