// Package db is the sqlite ledger kept next to the JSON index: remote
// deletions that are still owed (tombstones) and the upload journal.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/blobdrive/pkg/models"
)

// LedgerFile is the file name of the ledger inside the data directory.
const LedgerFile = "ledger.db"

// DB represents a database connection
type DB struct {
	*sql.DB
	now func() time.Time
}

// New opens (creating if needed) the ledger at path.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, now: time.Now}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize ledger %s: %w", path, err)
	}
	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tombstones (
			remote_ref TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			parts INTEGER NOT NULL,
			status TEXT NOT NULL,
			remote_ref TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tombstones_status ON tombstones(status);
		CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
		CREATE INDEX IF NOT EXISTS idx_transfers_started ON transfers(started_at);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// AddTombstones records remote refs whose deletion is owed. A ref that is
// already pending keeps its attempt counter; a ref marked done is re-armed.
func (db *DB) AddTombstones(stones []models.Tombstone) error {
	if len(stones) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO tombstones (remote_ref, name, size, reason, attempts, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 'pending', ?, ?)
		ON CONFLICT(remote_ref) DO UPDATE SET
			status = 'pending',
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := db.now().UTC()
	for _, t := range stones {
		if t.RemoteRef == "" {
			continue
		}
		if _, err := stmt.Exec(t.RemoteRef, t.Name, t.Size, t.Reason, t.LastError, now, now); err != nil {
			return fmt.Errorf("add tombstone %s: %w", t.RemoteRef, err)
		}
	}
	return tx.Commit()
}

// PendingTombstones lists owed deletions, oldest first.
func (db *DB) PendingTombstones() ([]models.Tombstone, error) {
	rows, err := db.Query(`
		SELECT remote_ref, name, size, reason, attempts, last_error, created_at, updated_at
		FROM tombstones
		WHERE status = 'pending'
		ORDER BY created_at, remote_ref
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stones []models.Tombstone
	for rows.Next() {
		var t models.Tombstone
		if err := rows.Scan(&t.RemoteRef, &t.Name, &t.Size, &t.Reason, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		stones = append(stones, t)
	}
	return stones, rows.Err()
}

// MarkTombstonesDone closes tombstones whose remote deletion succeeded or
// is no longer wanted.
func (db *DB) MarkTombstonesDone(refs []string) error {
	return db.updateTombstones(refs, `
		UPDATE tombstones
		SET status = 'done', last_error = '', updated_at = ?
		WHERE remote_ref = ?
	`, func(stmt *sql.Stmt, ref string, now time.Time) error {
		_, err := stmt.Exec(now, ref)
		return err
	})
}

// MarkTombstonesFailed bumps the attempt counter and records the cause.
func (db *DB) MarkTombstonesFailed(refs []string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.updateTombstones(refs, `
		UPDATE tombstones
		SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE remote_ref = ? AND status = 'pending'
	`, func(stmt *sql.Stmt, ref string, now time.Time) error {
		_, err := stmt.Exec(msg, now, ref)
		return err
	})
}

// updateTombstones runs query once per ref in a single transaction.
func (db *DB) updateTombstones(refs []string, query string, exec func(*sql.Stmt, string, time.Time) error) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := db.now().UTC()
	for _, ref := range refs {
		if err := exec(stmt, ref, now); err != nil {
			return fmt.Errorf("update tombstone %s: %w", ref, err)
		}
	}
	return tx.Commit()
}

// StartTransfer journals an upload as pending.
func (db *DB) StartTransfer(rec models.TransferRecord) error {
	started := rec.StartedAt
	if started.IsZero() {
		started = db.now()
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO transfers (id, source_path, name, size, parts, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SourcePath, rec.Name, rec.Size, rec.Parts, models.TransferPending, started.UTC())
	return err
}

// FinishTransfer marks an upload as registered under remoteRef.
func (db *DB) FinishTransfer(id, remoteRef string) error {
	_, err := db.Exec(`
		UPDATE transfers
		SET status = ?, remote_ref = ?, last_error = '', finished_at = ?
		WHERE id = ?
	`, models.TransferUploaded, remoteRef, db.now().UTC(), id)
	return err
}

// FailTransfer marks an upload as failed with its cause.
func (db *DB) FailTransfer(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Exec(`
		UPDATE transfers
		SET status = ?, last_error = ?, finished_at = ?
		WHERE id = ?
	`, models.TransferFailed, msg, db.now().UTC(), id)
	return err
}

// GetTransfer returns one journal row.
func (db *DB) GetTransfer(id string) (*models.TransferRecord, error) {
	var (
		rec      models.TransferRecord
		finished sql.NullTime
	)
	err := db.QueryRow(`
		SELECT id, source_path, name, size, parts, status, remote_ref, last_error, started_at, finished_at
		FROM transfers WHERE id = ?
	`, id).Scan(&rec.ID, &rec.SourcePath, &rec.Name, &rec.Size, &rec.Parts, &rec.Status,
		&rec.RemoteRef, &rec.LastError, &rec.StartedAt, &finished)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", id, err)
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	return &rec, nil
}

// RecentTransfers returns the latest journal rows, newest first.
func (db *DB) RecentTransfers(limit int) ([]models.TransferRecord, error) {
	rows, err := db.Query(`
		SELECT id, source_path, name, size, parts, status, remote_ref, last_error, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.TransferRecord
	for rows.Next() {
		var (
			rec      models.TransferRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.SourcePath, &rec.Name, &rec.Size, &rec.Parts, &rec.Status,
			&rec.RemoteRef, &rec.LastError, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FillStats adds the ledger counters to stats.
func (db *DB) FillStats(stats *models.Stats) error {
	err := db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = 'uploaded' THEN 1 END),
			COALESCE(SUM(CASE WHEN status = 'uploaded' THEN size ELSE 0 END), 0),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'pending' THEN 1 END)
		FROM transfers
	`).Scan(
		&stats.UploadedTransfers,
		&stats.UploadedSize,
		&stats.FailedTransfers,
		&stats.PendingTransfers,
	)
	if err != nil {
		return fmt.Errorf("failed to get transfer stats: %w", err)
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM tombstones WHERE status = 'pending'`).Scan(&stats.PendingTombstones)
	if err != nil {
		return fmt.Errorf("failed to get tombstone stats: %w", err)
	}
	return nil
}
