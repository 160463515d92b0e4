package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	// Driver registration only; all access goes through database/sql,
	// matching the teacher's ap.watchd/droplog.go import of
	// github.com/mattn/go-sqlite3.
	_ "github.com/mattn/go-sqlite3"
)

const eventSchema = `
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	payload  BLOB NOT NULL,
	pending  INTEGER NOT NULL DEFAULT 0
`

// SQLite is the embedded relational log backend, grounded on the teacher's
// ap.watchd/droplog.go dropTable: an autoincrementing id column stands in
// for droplog's externally-tracked maxID, and a pending flag marks the rows
// handed out in the current, not-yet-committed checkout, mirroring
// droplog's minID/maxID trim bookkeeping adapted to a checkout/commit
// queue instead of an overflow trim.
type SQLite struct {
	db        *sql.DB
	batchSize int
	capacity  int
}

// NewSQLite opens (creating if necessary) the sqlite-backed event table
// under cfg.Dir.
func NewSQLite(cfg Config) (*SQLite, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}

	path := filepath.Join(cfg.Dir, "events.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event database")
	}

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS events (" + eventSchema + ")"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create event table")
	}

	// A crash mid-checkout leaves pending=1 rows from the last run;
	// clearing the flag on open makes the next GetEventPack re-deliver
	// them, which is exactly the at-least-once guarantee spec.md §4.1
	// requires.
	if _, err := db.Exec("UPDATE events SET pending = 0 WHERE pending != 0"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to reset pending events")
	}

	return &SQLite{db: db, batchSize: batchSize, capacity: cfg.Capacity}, nil
}

func (s *SQLite) Put(ctx context.Context, event []byte) (bool, error) {
	if s.capacity > 0 {
		var count int
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events")
		if err := row.Scan(&count); err != nil {
			return false, errors.Wrap(err, "failed to count events")
		}
		if count >= s.capacity {
			return false, nil
		}
	}

	if _, err := s.db.ExecContext(ctx, "INSERT INTO events (payload, pending) VALUES (?, 0)", event); err != nil {
		return false, errors.Wrap(err, "failed to insert event")
	}
	return true, nil
}

// GetEventPack marks up to batchSize un-pending rows as pending and
// returns them ordered by id (FIFO). Idempotency falls out naturally:
// rows already marked pending from a prior, uncommitted checkout are
// returned again instead of a fresh set, since the WHERE clause only picks
// up pending=0 rows when none are outstanding.
func (s *SQLite) GetEventPack(ctx context.Context) ([][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin pack checkout")
	}
	defer tx.Rollback()

	var pendingCount int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE pending != 0").Scan(&pendingCount); err != nil {
		return nil, errors.Wrap(err, "failed to count pending events")
	}

	if pendingCount == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET pending = 1 WHERE id IN (
				SELECT id FROM events WHERE pending = 0 ORDER BY id ASC LIMIT ?
			)`, s.batchSize); err != nil {
			return nil, errors.Wrap(err, "failed to mark pack pending")
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT payload FROM events WHERE pending != 0 ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending events")
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan event payload")
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit pack checkout")
	}
	return out, nil
}

// EventPackProcessingDone deletes the rows marked pending, retiring the
// current checkout.
func (s *SQLite) EventPackProcessingDone(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE pending != 0"); err != nil {
		return errors.Wrap(err, "failed to retire event pack")
	}
	return nil
}

func (s *SQLite) Stop() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close event database")
	}
	return nil
}
