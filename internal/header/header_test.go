package header

import (
	"testing"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

func TestParseV4(t *testing.T) {
	data := []byte("version=4\nencrypted=True\ncompressed=True\n" +
		"compression-filter=gzip\nhmac-algorithm=scrypt\nbackup-id=B1\n")

	h, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Version != 4 {
		t.Errorf("Version = %d, want 4", h.Version)
	}
	if !h.Encrypted || !h.Compressed {
		t.Errorf("Encrypted/Compressed = %v/%v, want true/true", h.Encrypted, h.Compressed)
	}
	if h.CompressionFilter != "gzip" {
		t.Errorf("CompressionFilter = %q, want gzip", h.CompressionFilter)
	}
	if h.BackupID != "B1" {
		t.Errorf("BackupID = %q, want B1", h.BackupID)
	}
}

func TestParseRejectsNonASCII(t *testing.T) {
	_, err := Parse([]byte("version=2\nbackup-id=b\xe9ad\n"))
	assertKind(t, err, rerror.BadHeader)
}

func TestParseRejectsVersion5(t *testing.T) {
	_, err := Parse([]byte("version=5\n"))
	assertKind(t, err, rerror.UnsupportedVersion)
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	_, err := Parse([]byte("version=2\nencrypted=true\nencrypted=false\ncompressed=false\nhmac-algorithm=sha1\n"))
	assertKind(t, err, rerror.BadHeader)
}

func TestParseRequiresVersionFirst(t *testing.T) {
	_, err := Parse([]byte("encrypted=true\nversion=2\n"))
	assertKind(t, err, rerror.BadHeader)
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	h, err := Parse([]byte("version=2\nencrypted=false\ncompressed=false\nhmac-algorithm=sha1\nfuture-key=whatever\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Version != 2 {
		t.Errorf("Version = %d, want 2", h.Version)
	}
}

func TestParseV2RequiresCryptoAlgorithmWhenEncrypted(t *testing.T) {
	_, err := Parse([]byte("version=2\nencrypted=true\ncompressed=false\nhmac-algorithm=sha1\n"))
	assertKind(t, err, rerror.BadHeader)
}

func TestParseV4ImpliesEncryptedAlgorithm(t *testing.T) {
	h, err := Parse([]byte("version=4\nencrypted=false\ncompressed=false\nhmac-algorithm=scrypt\nbackup-id=X\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !h.Encrypted {
		t.Error("v4 must force Encrypted=true regardless of the wire value")
	}
}

func assertKind(t *testing.T, err error, want rerror.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %v, got nil", want)
	}
	kind, ok := rerror.KindOf(err)
	if !ok {
		t.Fatalf("expected rerror.Error, got %v", err)
	}
	if kind != want {
		t.Errorf("kind = %v, want %v", kind, want)
	}
}
