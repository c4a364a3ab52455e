// Package rerror defines the restore engine's closed error taxonomy.
// Every fatal or per-VM error surfaced by the pipeline wraps one of these
// kinds so callers can branch with errors.As instead of string matching.
package rerror

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the restore engine's design.
type Kind int

const (
	// BadPassphrase covers any HMAC/AEAD verification failure. Messages
	// must never distinguish a wrong key from tampered bytes.
	BadPassphrase Kind = iota
	// BadHeader is a syntactic or semantic backup-header error.
	BadHeader
	// UnsupportedVersion is a header version outside 1..4, or 1/2
	// without AllowLegacyVersions.
	UnsupportedVersion
	// QuotaExceeded is an OuterExtractor cap breach.
	QuotaExceeded
	// Io is an underlying OS error, including a broken pipe.
	Io
	// RemoteRefused is a source RPC that exited before any bytes.
	RemoteRefused
	// HandlerFailed is a per-logical-file failure; non-fatal overall.
	HandlerFailed
	// DependencyMissing means the plan cannot be satisfied; fatal
	// before any writes.
	DependencyMissing
	// Cancelled is a user cancellation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case BadPassphrase:
		return "BadPassphrase"
	case BadHeader:
		return "BadHeader"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case QuotaExceeded:
		return "QuotaExceeded"
	case Io:
		return "Io"
	case RemoteRefused:
		return "RemoteRefused"
	case HandlerFailed:
		return "HandlerFailed"
	case DependencyMissing:
		return "DependencyMissing"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is a restore-engine error tagged with a Kind and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, rerror.BadHeader) work by comparing the Kind of
// the wrapped sentinel created via New/Newf with no cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an *Error of the given kind with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel returns a comparison value for errors.Is against a given Kind,
// e.g. errors.Is(err, rerror.Sentinel(rerror.BadHeader)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
