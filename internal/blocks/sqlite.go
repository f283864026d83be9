package blocks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a SQLite table. Timestamps are stored as unix
// milliseconds so window comparisons happen in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn in WAL mode and creates the table.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "blocks: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "blocks: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteBlocksTable); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "blocks: sqlite migrate")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteBlocksTable = `
CREATE TABLE IF NOT EXISTS source_blocks (
	id                TEXT PRIMARY KEY,
	blocked_until_ms  INTEGER NOT NULL,
	consecutive_count INTEGER NOT NULL DEFAULT 0,
	last_status       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL DEFAULT '',
	updated_at_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_source_blocks_until ON source_blocks(blocked_until_ms);
`

const sqliteSelectBlock = `SELECT id, blocked_until_ms, consecutive_count, last_status, last_error, kind, updated_at_ms FROM source_blocks`

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		r              Record
		until, updated int64
		kind           string
	)
	if err := row.Scan(&r.ID, &until, &r.ConsecutiveCount, &r.LastStatus, &r.LastError, &kind, &updated); err != nil {
		return Record{}, err
	}
	r.BlockedUntil = time.UnixMilli(until).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	r.Kind = Kind(kind)
	return r, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, sqliteSelectBlock+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: sqlite get %s", id)
	}
	return &r, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO source_blocks (id, blocked_until_ms, consecutive_count, last_status, last_error, kind, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	blocked_until_ms = excluded.blocked_until_ms,
	consecutive_count = excluded.consecutive_count,
	last_status = excluded.last_status,
	last_error = excluded.last_error,
	kind = excluded.kind,
	updated_at_ms = excluded.updated_at_ms`,
		rec.ID, rec.BlockedUntil.UnixMilli(), rec.ConsecutiveCount, rec.LastStatus, rec.LastError, string(rec.Kind), rec.UpdatedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "blocks: sqlite put %s", rec.ID)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM source_blocks WHERE id = ?`, id)
	return eris.Wrapf(err, "blocks: sqlite delete %s", id)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectBlock+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "blocks: sqlite list")
	}
	defer rows.Close() //nolint:errcheck

	var out []Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "blocks: sqlite scan")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "blocks: sqlite list iterate")
}

// DeleteExpiredCleared implements Store.
func (s *SQLiteStore) DeleteExpiredCleared(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM source_blocks WHERE consecutive_count = 0 AND blocked_until_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "blocks: sqlite cleanup")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "blocks: sqlite cleanup rows")
}
