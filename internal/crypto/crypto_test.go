package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

func TestVerifyHMACRoundTrip(t *testing.T) {
	passphrase := "correct horse battery staple"
	data := []byte("chunk contents")

	mac := hmac.New(sha1.New, []byte(passphrase))
	mac.Write(data)
	digest := hex.EncodeToString(mac.Sum(nil))

	if err := VerifyHMAC("sha1", passphrase, data, digest); err != nil {
		t.Fatalf("VerifyHMAC: %v", err)
	}
}

func TestVerifyHMACWrongPassphrase(t *testing.T) {
	data := []byte("chunk contents")
	mac := hmac.New(sha1.New, []byte("right"))
	mac.Write(data)
	digest := hex.EncodeToString(mac.Sum(nil))

	err := VerifyHMAC("sha1", "wrong", data, digest)
	if err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
	kind, ok := rerror.KindOf(err)
	if !ok || kind != rerror.BadPassphrase {
		t.Errorf("kind = %v, ok=%v, want BadPassphrase", kind, ok)
	}
}

func TestDecryptAEADRoundTrip(t *testing.T) {
	password := DerivePerFilePassword("B1", "myvm/private.img.000", "hunter2")
	salt := make([]byte, aeadSaltSize)
	nonce := make([]byte, aeadNonceSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}

	plaintext := []byte("disk image bytes")
	ct, err := EncryptAEAD(password, plaintext, salt, nonce)
	if err != nil {
		t.Fatalf("EncryptAEAD: %v", err)
	}

	got, err := DecryptAEAD(password, ct)
	if err != nil {
		t.Fatalf("DecryptAEAD: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptAEADWrongPassphraseIsIndistinguishableFromTamper(t *testing.T) {
	salt := make([]byte, aeadSaltSize)
	nonce := make([]byte, aeadNonceSize)
	ct, _ := EncryptAEAD(DerivePerFilePassword("B1", "x", "right"), []byte("data"), salt, nonce)

	_, err1 := DecryptAEAD(DerivePerFilePassword("B1", "x", "wrong"), ct)
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err2 := DecryptAEAD(DerivePerFilePassword("B1", "x", "right"), tampered)

	k1, _ := rerror.KindOf(err1)
	k2, _ := rerror.KindOf(err2)
	if k1 != rerror.BadPassphrase || k2 != rerror.BadPassphrase {
		t.Errorf("expected both failures to report BadPassphrase, got %v and %v", k1, k2)
	}
}

func TestDerivePerFilePasswordHeaderCase(t *testing.T) {
	got := DerivePerFilePassword("B1", "backup-header", "secret")
	want := "backup-header!secret"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
