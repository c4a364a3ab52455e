// Package config holds resolved paths and restore policy knobs for qvrestore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds qvrestore runtime configuration.
type Config struct {
	// DataDir is the base directory for qvrestore runtime data.
	DataDir string

	// ScratchRoot is the parent directory under which per-restore scratch
	// directories are created. Each scratch directory is prefixed so its
	// name cannot collide with a legal VM name (see internal/chunk).
	ScratchRoot string

	// LockPath is the single-writer lock file serializing restores.
	LockPath string

	// DBPath is the path to the SQLite restore-record database.
	DBPath string

	// VolumeDir is where the local, no-hypervisor vmstore.LocalHost
	// backend stores VM volume images when no real admin-API binding is
	// configured.
	VolumeDir string

	// MaxFiles and MaxBytes are the OuterExtractor's hard caps.
	MaxFiles int
	MaxBytes int64

	// LowWaterBytes is the free-space threshold below which the
	// extractor backpressures.
	LowWaterBytes int64

	// AllowLegacyVersions enables detection of version 1 (no header) and
	// header-less version 2 archives with hard-coded SHA1/aes-256-cbc
	// defaults. Default false: such archives are rejected as
	// UnsupportedVersion. See DESIGN.md Open Question 1.
	AllowLegacyVersions bool

	// RenameOnConflict allows the planner to rename a VM on name
	// collision with a numeric suffix (1..99) instead of marking it
	// ALREADY_EXISTS.
	RenameOnConflict bool

	// SkipBroken allows the restore to proceed, skipping VMs whose
	// dependencies (template, netvm, kernel) cannot be resolved, instead
	// of failing the whole restore.
	SkipBroken bool

	// DefaultTemplate and DefaultNetVM are fallback names used when a
	// VM's template/netvm is absent and SkipBroken policy allows a
	// fallback rather than a MISSING_* problem.
	DefaultTemplate string
	DefaultNetVM    string

	// DigestPreference orders the digest algorithms HeaderParser tries
	// when verifying the header MAC: configured default first, then
	// "scrypt", then any host-reported digest list.
	DigestPreference []string

	// StderrCaptureBytes bounds how much of a subprocess's stderr is
	// retained for error messages.
	StderrCaptureBytes int

	// KeepScratchOnError retains the scratch directory after a fatal
	// error instead of deleting it (debug builds).
	KeepScratchOnError bool
}

// Policy is the subset of Config that may be overridden from an on-disk
// YAML file, mirroring the shape of a kit manifest: a small typed
// document with defaulted fields.
type Policy struct {
	AllowLegacyVersions *bool    `yaml:"allow-legacy-versions,omitempty"`
	RenameOnConflict    *bool    `yaml:"rename-on-conflict,omitempty"`
	SkipBroken          *bool    `yaml:"skip-broken,omitempty"`
	DefaultTemplate     string   `yaml:"default-template,omitempty"`
	DefaultNetVM        string   `yaml:"default-netvm,omitempty"`
	MaxFiles            int      `yaml:"max-files,omitempty"`
	MaxBytes            int64    `yaml:"max-bytes,omitempty"`
	DigestPreference    []string `yaml:"digest-preference,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".qvrestore")

	return &Config{
		DataDir:            dataDir,
		ScratchRoot:        filepath.Join(dataDir, "scratch"),
		LockPath:           filepath.Join(dataDir, "restore.lock"),
		DBPath:             filepath.Join(dataDir, "restore.db"),
		VolumeDir:          filepath.Join(dataDir, "volumes"),
		MaxFiles:           200000,
		MaxBytes:           1 << 40, // 1 TiB
		LowWaterBytes:      256 << 20,
		AllowLegacyVersions: false,
		RenameOnConflict:   true,
		SkipBroken:         false,
		DigestPreference:   []string{"scrypt", "sha512", "sha256", "sha1"},
		StderrCaptureBytes: 1024,
	}
}

// EnsureDirs creates all required directories with restrictive permissions,
// since scratch directories may briefly hold decrypted archive plaintext.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.ScratchRoot,
		c.VolumeDir,
		filepath.Dir(c.LockPath),
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// LoadPolicy reads an optional YAML policy file and applies any set
// fields onto c. A missing file is not an error.
func (c *Config) LoadPolicy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy %s: %w", path, err)
	}

	if p.AllowLegacyVersions != nil {
		c.AllowLegacyVersions = *p.AllowLegacyVersions
	}
	if p.RenameOnConflict != nil {
		c.RenameOnConflict = *p.RenameOnConflict
	}
	if p.SkipBroken != nil {
		c.SkipBroken = *p.SkipBroken
	}
	if p.DefaultTemplate != "" {
		c.DefaultTemplate = p.DefaultTemplate
	}
	if p.DefaultNetVM != "" {
		c.DefaultNetVM = p.DefaultNetVM
	}
	if p.MaxFiles > 0 {
		c.MaxFiles = p.MaxFiles
	}
	if p.MaxBytes > 0 {
		c.MaxBytes = p.MaxBytes
	}
	if len(p.DigestPreference) > 0 {
		c.DigestPreference = p.DigestPreference
	}
	return nil
}

// PollInterval is the OuterExtractor's low-water backpressure poll rate.
const PollInterval = time.Second
