// Package vmstore persists one row per planned VM restoration and
// serializes concurrent restores through a single-writer lock table.
//
// Grounded on the internal/registry package: Open/WAL-mode/
// migrate (db.go) and the upsert-plus-scan record pattern
// (instances.go), generalized from instance lifecycle records to
// restore-record rows.
package vmstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

// DB wraps a SQLite database holding restore records and the lock
// table.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath in WAL mode.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, rerror.Wrap(rerror.Io, "create vmstore directory", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, "open vmstore database", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, rerror.Wrap(rerror.Io, "set WAL mode", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS restores (
			id           TEXT PRIMARY KEY,
			backup_id    TEXT NOT NULL,
			source_name  TEXT NOT NULL,
			target_name  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'planned',
			problems     TEXT NOT NULL DEFAULT '',
			created_by_us INTEGER NOT NULL DEFAULT 0,
			started_at   TEXT NOT NULL DEFAULT (datetime('now')),
			finished_at  TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return rerror.Wrap(rerror.Io, "migrate restores table", err)
	}

	_, err = d.db.Exec(`
		CREATE TABLE IF NOT EXISTS restore_lock (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			holder    TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return rerror.Wrap(rerror.Io, "migrate restore_lock table", err)
	}
	return nil
}

// Record is one row of the restores table: a planned or completed VM
// restoration.
type Record struct {
	ID           string
	BackupID     string
	SourceName   string
	TargetName   string
	Status       string // "planned", "created", "failed", "rolled_back"
	Problems     string // comma-joined plan.Problem values
	CreatedByUs  bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Upsert inserts or replaces a restore record.
func (d *DB) Upsert(r *Record) error {
	createdByUs := 0
	if r.CreatedByUs {
		createdByUs = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO restores (id, backup_id, source_name, target_name, status, problems, created_by_us, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			problems = excluded.problems,
			created_by_us = excluded.created_by_us,
			finished_at = excluded.finished_at
	`, r.ID, r.BackupID, r.SourceName, r.TargetName, r.Status, r.Problems, createdByUs,
		r.StartedAt.Format(time.RFC3339), formatOptionalTime(r.FinishedAt))
	if err != nil {
		return rerror.Wrap(rerror.Io, "upsert restore record", err)
	}
	return nil
}

// ListByBackup returns every record for a given backup id, most
// recently started first.
func (d *DB) ListByBackup(backupID string) ([]*Record, error) {
	rows, err := d.db.Query(`
		SELECT id, backup_id, source_name, target_name, status, problems, created_by_us, started_at, finished_at
		FROM restores WHERE backup_id = ? ORDER BY started_at DESC
	`, backupID)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, "list restore records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CreatedByUs returns the target names of every record marked
// created_by_us for a given backup, used by the orchestrator's
// rollback: only VMs the orchestrator itself created are ever
// destroyed on a failed restore.
func (d *DB) CreatedByUs(backupID string) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT target_name FROM restores WHERE backup_id = ? AND created_by_us = 1
	`, backupID)
	if err != nil {
		return nil, rerror.Wrap(rerror.Io, "query created-by-us records", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, rerror.Wrap(rerror.Io, "scan target name", err)
		}
		names = append(names, name)
	}
	return names, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var r Record
	var createdByUs int
	var started, finished string
	if err := rows.Scan(&r.ID, &r.BackupID, &r.SourceName, &r.TargetName, &r.Status, &r.Problems, &createdByUs, &started, &finished); err != nil {
		return nil, rerror.Wrap(rerror.Io, "scan restore record", err)
	}
	r.CreatedByUs = createdByUs != 0
	r.StartedAt, _ = time.Parse(time.RFC3339, started)
	if finished != "" {
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
	}
	return &r, nil
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// AcquireLock takes the single-writer restore lock, identifying the
// holder by an opaque token (typically a pid/hostname string). It
// fails with rerror.RemoteRefused if another holder
// already has the lock.
func (d *DB) AcquireLock(holder string) error {
	_, err := d.db.Exec(`
		INSERT INTO restore_lock (id, holder, acquired_at) VALUES (1, ?, ?)
	`, holder, time.Now().Format(time.RFC3339))
	if err != nil {
		return rerror.Wrap(rerror.RemoteRefused, fmt.Sprintf("restore lock already held (requested by %s)", holder), err)
	}
	return nil
}

// ReleaseLock drops the single-writer restore lock.
func (d *DB) ReleaseLock() error {
	if _, err := d.db.Exec(`DELETE FROM restore_lock WHERE id = 1`); err != nil {
		return rerror.Wrap(rerror.Io, "release restore lock", err)
	}
	return nil
}
