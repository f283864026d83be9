package blocks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/db"
)

// PostgresStore keeps records in a Postgres table shared by every process
// collecting against the same database. It is not a Locker: each upsert is
// atomic, but Guard's check, fetch, and record sequence is serialized within
// one process only, so two processes can both fetch a source before either
// records its block.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresBlocksTable = `
CREATE TABLE IF NOT EXISTS source_blocks (
	id                TEXT PRIMARY KEY,
	blocked_until     TIMESTAMPTZ NOT NULL,
	consecutive_count INTEGER NOT NULL DEFAULT 0,
	last_status       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_source_blocks_until ON source_blocks(blocked_until);
`

const postgresSelectBlock = `SELECT id, blocked_until, consecutive_count, last_status, last_error, kind, updated_at FROM source_blocks`

// Migrate creates the source_blocks table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresBlocksTable)
	return eris.Wrap(err, "blocks: postgres migrate")
}

func scanPostgresRecord(row pgx.Row) (Record, error) {
	var (
		r    Record
		kind string
	)
	if err := row.Scan(&r.ID, &r.BlockedUntil, &r.ConsecutiveCount, &r.LastStatus, &r.LastError, &kind, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)
	return r, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanPostgresRecord(s.pool.QueryRow(ctx, postgresSelectBlock+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: postgres get %s", id)
	}
	return &r, nil
}

// Put implements Store as a single upsert.
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO source_blocks (id, blocked_until, consecutive_count, last_status, last_error, kind, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	blocked_until = EXCLUDED.blocked_until,
	consecutive_count = EXCLUDED.consecutive_count,
	last_status = EXCLUDED.last_status,
	last_error = EXCLUDED.last_error,
	kind = EXCLUDED.kind,
	updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.BlockedUntil, rec.ConsecutiveCount, rec.LastStatus, rec.LastError, string(rec.Kind), rec.UpdatedAt,
	)
	return eris.Wrapf(err, "blocks: postgres put %s", rec.ID)
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM source_blocks WHERE id = $1`, id)
	return eris.Wrapf(err, "blocks: postgres delete %s", id)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, postgresSelectBlock+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "blocks: postgres list")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "blocks: postgres scan")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "blocks: postgres list iterate")
}

// DeleteExpiredCleared implements Store.
func (s *PostgresStore) DeleteExpiredCleared(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM source_blocks WHERE consecutive_count = 0 AND blocked_until <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "blocks: postgres cleanup")
	}
	return int(tag.RowsAffected()), nil
}
