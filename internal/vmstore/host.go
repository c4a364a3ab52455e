// LocalHost implements vmhost.Host without a live hypervisor binding:
// VM state lives in the same SQLite database as restore records, and
// volume bytes land in plain files under a configured directory. It is
// the "host with no live hypervisor binding" backend the external
// interface design calls for, and it's also what the orchestrator's
// own tests could run against if a fake weren't more convenient there.
//
// Grounded on internal/registry/instances.go's upsert-then-scan shape,
// generalized from one record type to the small set of admin-object
// tables a VM needs (properties, features, tags, devices, firewall).
package vmstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/outpostvm/qvrestore/internal/rerror"
	"github.com/outpostvm/qvrestore/internal/vmhost"
)

// LocalHost is a vmhost.Host backed by a vmstore.DB and a local
// directory of volume files.
type LocalHost struct {
	db        *DB
	volumeDir string
}

var _ vmhost.Host = (*LocalHost)(nil)

// NewLocalHost wraps db as a vmhost.Host, storing volume bytes under
// volumeDir.
func NewLocalHost(db *DB, volumeDir string) *LocalHost {
	return &LocalHost{db: db, volumeDir: volumeDir}
}

func (h *LocalHost) migrateHostTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vm_objects (
			name     TEXT PRIMARY KEY,
			class    TEXT NOT NULL,
			template TEXT NOT NULL DEFAULT '',
			label    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS vm_properties (
			name TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL,
			PRIMARY KEY (name, key)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_features (
			name TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL,
			PRIMARY KEY (name, key)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_tags (
			name TEXT NOT NULL, tag TEXT NOT NULL,
			PRIMARY KEY (name, tag)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_devices (
			name TEXT NOT NULL, ident TEXT NOT NULL, spec TEXT NOT NULL,
			PRIMARY KEY (name, ident)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_firewall (
			name TEXT PRIMARY KEY, rules TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS vm_notes (
			name TEXT PRIMARY KEY, notes TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, s := range stmts {
		if _, err := h.db.db.Exec(s); err != nil {
			return rerror.Wrap(rerror.Io, "migrate vmhost tables", err)
		}
	}
	return nil
}

// ensureMigrated lazily runs the host-table migration the first time
// LocalHost is used, so vmstore.Open callers that never touch the host
// side never pay for these tables.
func (h *LocalHost) ensureMigrated(ctx context.Context) error {
	return h.migrateHostTables()
}

func (h *LocalHost) Exists(ctx context.Context, name string) (bool, error) {
	if err := h.ensureMigrated(ctx); err != nil {
		return false, err
	}
	var n string
	err := h.db.db.QueryRow(`SELECT name FROM vm_objects WHERE name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, rerror.Wrap(rerror.Io, "query vm existence", err)
	}
	return true, nil
}

func (h *LocalHost) Create(ctx context.Context, name string, class vmhost.Class, template, label string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	if exists, err := h.Exists(ctx, name); err != nil {
		return err
	} else if exists {
		return rerror.New(rerror.RemoteRefused, fmt.Sprintf("vm %q already exists", name))
	}
	_, err := h.db.db.Exec(`INSERT INTO vm_objects (name, class, template, label) VALUES (?, ?, ?, ?)`,
		name, string(class), template, label)
	if err != nil {
		return rerror.Wrap(rerror.Io, "create vm object", err)
	}
	return nil
}

func (h *LocalHost) Destroy(ctx context.Context, name string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	tables := []string{"vm_objects", "vm_properties", "vm_features", "vm_tags", "vm_devices", "vm_firewall", "vm_notes"}
	for _, t := range tables {
		if _, err := h.db.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, t), name); err != nil {
			return rerror.Wrap(rerror.Io, "destroy vm object", err)
		}
	}
	if err := os.RemoveAll(h.volumeDirFor(name)); err != nil && !os.IsNotExist(err) {
		return rerror.Wrap(rerror.Io, "remove vm volumes", err)
	}
	return nil
}

func (h *LocalHost) SetProperty(ctx context.Context, name, key, value string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	_, err := h.db.db.Exec(`
		INSERT INTO vm_properties (name, key, value) VALUES (?, ?, ?)
		ON CONFLICT(name, key) DO UPDATE SET value = excluded.value
	`, name, key, value)
	if err != nil {
		return rerror.Wrap(rerror.Io, "set vm property", err)
	}
	return nil
}

func (h *LocalHost) SetFeature(ctx context.Context, name, key, value string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	_, err := h.db.db.Exec(`
		INSERT INTO vm_features (name, key, value) VALUES (?, ?, ?)
		ON CONFLICT(name, key) DO UPDATE SET value = excluded.value
	`, name, key, value)
	if err != nil {
		return rerror.Wrap(rerror.Io, "set vm feature", err)
	}
	return nil
}

func (h *LocalHost) AddTag(ctx context.Context, name, tag string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	_, err := h.db.db.Exec(`INSERT OR IGNORE INTO vm_tags (name, tag) VALUES (?, ?)`, name, tag)
	if err != nil {
		return rerror.Wrap(rerror.Io, "add vm tag", err)
	}
	return nil
}

func (h *LocalHost) AttachDevice(ctx context.Context, name string, dev vmhost.DeviceAssignment) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	spec, err := json.Marshal(dev)
	if err != nil {
		return rerror.Wrap(rerror.Io, "marshal device assignment", err)
	}
	_, err = h.db.db.Exec(`
		INSERT INTO vm_devices (name, ident, spec) VALUES (?, ?, ?)
		ON CONFLICT(name, ident) DO UPDATE SET spec = excluded.spec
	`, name, dev.Ident, string(spec))
	if err != nil {
		return rerror.Wrap(rerror.Io, "attach device", err)
	}
	return nil
}

func (h *LocalHost) volumeDirFor(name string) string {
	return filepath.Join(h.volumeDir, name)
}

// localVolumeFile wraps an *os.File so a truncated write (the handler
// erroring out partway through) still leaves a file OpenVolume's
// caller can see and reason about, without leaving a partial file at
// the final name if the caller never calls Close.
type localVolumeFile struct {
	*os.File
}

func (h *LocalHost) OpenVolume(ctx context.Context, name string, kind vmhost.VolumeKind, sizeHint int64) (io.WriteCloser, error) {
	dir := h.volumeDirFor(name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, rerror.Wrap(rerror.Io, "create volume directory", err)
	}
	path := filepath.Join(dir, string(kind)+".img")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, "open volume file", err)
	}
	if sizeHint > 0 {
		if err := f.Truncate(sizeHint); err != nil {
			f.Close()
			return nil, rerror.Wrap(rerror.Io, "size volume file", err)
		}
	}
	return &localVolumeFile{File: f}, nil
}

func (h *LocalHost) SetFirewall(ctx context.Context, name string, rules []vmhost.FirewallRule) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return rerror.Wrap(rerror.Io, "marshal firewall rules", err)
	}
	_, err = h.db.db.Exec(`
		INSERT INTO vm_firewall (name, rules) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET rules = excluded.rules
	`, name, string(data))
	if err != nil {
		return rerror.Wrap(rerror.Io, "set firewall rules", err)
	}
	return nil
}

func (h *LocalHost) SetNotes(ctx context.Context, name string, notes string) error {
	if err := h.ensureMigrated(ctx); err != nil {
		return err
	}
	_, err := h.db.db.Exec(`
		INSERT INTO vm_notes (name, notes) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET notes = excluded.notes
	`, name, notes)
	if err != nil {
		return rerror.Wrap(rerror.Io, "set vm notes", err)
	}
	return nil
}

// ResolveUser shells out to the OS user database (os/user), the same
// identity source a dom0 would consult, rather than trusting anything
// from the archive itself (the fatal-on-mismatch rule for dom0-home depends
// on this being an independent lookup).
func (h *LocalHost) ResolveUser(ctx context.Context, username string) (uid, gid int, err error) {
	u, lookupErr := user.Lookup(username)
	if lookupErr != nil {
		return 0, 0, rerror.Wrap(rerror.DependencyMissing, fmt.Sprintf("resolve user %q", username), lookupErr)
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, rerror.Wrap(rerror.Io, "parse uid", err)
	}
	gidN, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, rerror.Wrap(rerror.Io, "parse gid", err)
	}
	return uidN, gidN, nil
}

func (h *LocalHost) HomeDir(ctx context.Context, username string) (string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", rerror.Wrap(rerror.DependencyMissing, fmt.Sprintf("resolve home dir for %q", username), err)
	}
	return u.HomeDir, nil
}
