// Package spool persists undelivered queue entries across restarts in a
// local SQLite database.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ppiankov/dlpwatch/internal/model"
	"github.com/ppiankov/dlpwatch/internal/queue"
)

const schemaVersion = 1

const createPending = `
CREATE TABLE IF NOT EXISTS pending (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	next_retry  INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL
)`

// Spool is a SQLite-backed store for pending deliveries.
type Spool struct {
	db   *sql.DB
	path string
}

// Open opens or creates the spool database at path.
func Open(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping spool: %w", err)
	}

	s := &Spool{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Spool) Path() string { return s.path }

func (s *Spool) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read spool schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("spool schema v%d is newer than supported v%d", version, schemaVersion)
	}
	if _, err := s.db.Exec(createPending); err != nil {
		return fmt.Errorf("create pending table: %w", err)
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set spool schema version: %w", err)
		}
	}
	return nil
}

// Save replaces the spool contents with entries.
func (s *Spool) Save(ctx context.Context, entries []queue.Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spool save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM pending"); err != nil {
		return fmt.Errorf("clear spool: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO pending (id, seq, payload, attempts, next_retry, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spool insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		payload, merr := json.Marshal(e.Event)
		if merr != nil {
			err = fmt.Errorf("encode entry %s: %w", e.ID, merr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, e.ID, int64(e.Seq), payload, e.Attempts,
			unixNano(e.NextRetry), unixNano(e.EnqueuedAt)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit spool save: %w", err)
	}
	return nil
}

// Load returns every spooled entry in queue order. Rows whose payload no
// longer decodes are skipped and counted in skipped.
func (s *Spool) Load(ctx context.Context) (entries []queue.Entry, skipped int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, payload, attempts, next_retry, enqueued_at
		FROM pending ORDER BY seq`)
	if err != nil {
		return nil, 0, fmt.Errorf("query spool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e          queue.Entry
			seq        int64
			payload    []byte
			next, encd int64
		)
		if err := rows.Scan(&e.ID, &seq, &payload, &e.Attempts, &next, &encd); err != nil {
			return nil, 0, fmt.Errorf("scan spool row: %w", err)
		}
		var ev model.ClassifiedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			skipped++
			continue
		}
		e.Seq = uint64(seq)
		e.Event = ev
		e.NextRetry = fromUnixNano(next)
		e.EnqueuedAt = fromUnixNano(encd)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("read spool: %w", err)
	}
	return entries, skipped, nil
}

// Clear removes every spooled entry.
func (s *Spool) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending"); err != nil {
		return fmt.Errorf("clear spool: %w", err)
	}
	return nil
}

// Count returns the number of spooled entries.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending").Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Spool) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
