package rerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(BadHeader, "duplicate key")
	wrapped := fmt.Errorf("parse header: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("KindOf: expected ok")
	}
	if kind != BadHeader {
		t.Errorf("kind = %v, want %v", kind, BadHeader)
	}
}

func TestIsSentinel(t *testing.T) {
	err := Wrap(QuotaExceeded, "too many files", errors.New("cap 200000 exceeded"))
	if !errors.Is(err, Sentinel(QuotaExceeded)) {
		t.Error("expected errors.Is to match Sentinel(QuotaExceeded)")
	}
	if errors.Is(err, Sentinel(Cancelled)) {
		t.Error("did not expect errors.Is to match a different kind")
	}
}

func TestKindOfNotFound(t *testing.T) {
	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Error("expected ok=false for a non-rerror error")
	}
}
