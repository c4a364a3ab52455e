// Package header implements HeaderParser: parsing and validating the
// plaintext archive header. This package is the trust
// boundary — it must never resolve a path, open a file, or call an
// external command on the basis of header content before the caller has
// verified the header's MAC.
package header

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// knownCompressionFilters and knownCryptoAlgorithms are the allowlists
// The known-safe set of supported digest and cipher names. Digest
// names come from Config.DigestPreference plus this fixed allowlist.
var (
	knownCompressionFilters = map[string]bool{"gzip": true, "bzip2": true}
	knownCryptoAlgorithms   = map[string]bool{
		"aes-256-cbc": true, "aes-256-gcm": true, "aes-128-cbc": true,
	}
	knownHMACAlgorithms = map[string]bool{
		"sha1": true, "sha256": true, "sha512": true, "scrypt": true,
	}
)

// Header is an immutable, validated backup-header value.
type Header struct {
	Version            int
	Encrypted          bool
	Compressed         bool
	CompressionFilter  string
	HMACAlgorithm      string
	CryptoAlgorithm    string
	BackupID           string

	// HasCompressionFilter/HasCryptoAlgorithm/HasBackupID record whether
	// the field was present on the wire, since the zero value of each
	// type is also a legitimate absence signal in some version rules.
	HasCompressionFilter bool
	HasCryptoAlgorithm   bool
	HasBackupID          bool
}

// Legacy v2 defaults used only when AllowLegacyVersions is set and no
// backup-header member exists in the archive (see DESIGN.md Open Question 1).
const (
	LegacyHMACAlgorithm   = "sha1"
	LegacyCryptoAlgorithm = "aes-256-cbc"
)

// SyntheticV1 returns the synthetic header for a version-1 archive (no
// header file at all, detected by qubes.xml at the archive root).
func SyntheticV1() *Header {
	return &Header{Version: 1}
}

// SyntheticLegacyV2 returns the synthetic header for a header-less
// version-2 archive using the hard-coded legacy defaults.
func SyntheticLegacyV2() *Header {
	return &Header{
		Version:            2,
		Encrypted:          true,
		Compressed:         true,
		CompressionFilter:  "gzip",
		HMACAlgorithm:      LegacyHMACAlgorithm,
		CryptoAlgorithm:    LegacyCryptoAlgorithm,
		HasCompressionFilter: true,
		HasCryptoAlgorithm:   true,
	}
}

// fieldSpec mirrors a known_headers-style table:
// one entry per recognized key, its Go type, and its validator.
type fieldSpec struct {
	kind      string // "int" | "bool" | "str"
	validator func(string) bool
}

var fields = map[string]fieldSpec{
	"version": {kind: "int", validator: func(v string) bool {
		n, err := strconv.Atoi(v)
		return err == nil && n >= 1 && n <= 4
	}},
	"encrypted":  {kind: "bool", validator: func(string) bool { return true }},
	"compressed": {kind: "bool", validator: func(string) bool { return true }},
	"compression-filter": {kind: "str", validator: func(v string) bool {
		return knownCompressionFilters[strings.ToLower(v)]
	}},
	"crypto-algorithm": {kind: "str", validator: func(v string) bool {
		return knownCryptoAlgorithms[strings.ToLower(v)]
	}},
	"hmac-algorithm": {kind: "str", validator: func(v string) bool {
		return knownHMACAlgorithms[strings.ToLower(v)]
	}},
	"backup-id": {kind: "str", validator: func(v string) bool {
		return v != "" && !strings.HasPrefix(v, "-")
	}},
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func toBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// Parse parses plaintext header bytes (already MAC-verified by the
// caller) into a validated Header.
func Parse(data []byte) (*Header, error) {
	if !isASCII(data) {
		return nil, rerror.New(rerror.BadHeader, "non-ASCII byte in header")
	}

	h := &Header{}
	seen := make(map[string]bool)

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "version=") {
		return nil, rerror.New(rerror.BadHeader, "first line must be 'version=<1..4>'")
	}
	for i, line := range lines {
		if line == "" {
			continue
		}
		if strings.Count(line, "=") < 1 {
			return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("line %d: missing '='", i+1))
		}
		parts := strings.SplitN(line, "=", 2)
		key, value := parts[0], parts[1]

		if !keyPattern.MatchString(key) {
			return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("line %d: invalid key %q", i+1, key))
		}

		spec, known := fields[key]
		if !known {
			continue // unknown keys are ignored (forward compatibility)
		}
		if seen[key] {
			return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("duplicated header key %q", key))
		}
		seen[key] = true

		if !keyPattern.MatchString(value) {
			return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("invalid value for key %q", key))
		}

		switch spec.kind {
		case "int":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("key %q: not an integer", key))
			}
			if key == "version" {
				if !spec.validator(value) {
					return nil, rerror.New(rerror.UnsupportedVersion, fmt.Sprintf("version %d outside 1..4", n))
				}
				h.Version = n
			}
		case "bool":
			b := toBool(value)
			switch key {
			case "encrypted":
				h.Encrypted = b
			case "compressed":
				h.Compressed = b
			}
		case "str":
			if !spec.validator(value) {
				return nil, rerror.New(rerror.BadHeader, fmt.Sprintf("invalid value for key %q: %q", key, value))
			}
			switch key {
			case "compression-filter":
				h.CompressionFilter = strings.ToLower(value)
				h.HasCompressionFilter = true
			case "crypto-algorithm":
				h.CryptoAlgorithm = strings.ToLower(value)
				h.HasCryptoAlgorithm = true
			case "hmac-algorithm":
				h.HMACAlgorithm = strings.ToLower(value)
			case "backup-id":
				h.BackupID = value
				h.HasBackupID = true
			}
		}
	}

	if err := validate(h); err != nil {
		return nil, err
	}
	return h, nil
}

func validate(h *Header) error {
	switch h.Version {
	case 0:
		return rerror.New(rerror.BadHeader, "missing required field 'version'")
	case 1:
		return nil
	case 2, 3, 4:
		if h.HMACAlgorithm == "" {
			return rerror.New(rerror.BadHeader, "missing required field 'hmac-algorithm'")
		}
		if h.Encrypted && h.Version < 4 && !h.HasCryptoAlgorithm {
			return rerror.New(rerror.BadHeader, "missing required field 'crypto-algorithm'")
		}
		if h.Compressed && !h.HasCompressionFilter {
			return rerror.New(rerror.BadHeader, "missing required field 'compression-filter'")
		}
		if h.Version >= 4 && !h.HasBackupID {
			return rerror.New(rerror.BadHeader, "missing required field 'backup-id'")
		}
		if h.Version >= 4 {
			// Version 4 always uses authenticated encryption; these are
			// fixed and implicit rather than read off the wire.
			h.Encrypted = true
			h.CryptoAlgorithm = "scrypt-aead"
		}
		return nil
	default:
		return rerror.New(rerror.UnsupportedVersion, fmt.Sprintf("version %d outside 1..4", h.Version))
	}
}
