package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/datapack-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps used
// for ordering are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	industry_id   TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT '',
	data          TEXT NOT NULL,
	started_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_macro (
	run_id      TEXT PRIMARY KEY,
	industry_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS companies (
	industry_id     TEXT NOT NULL,
	ticker          TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	status          TEXT NOT NULL,
	data            TEXT NOT NULL,
	collected_at_ms INTEGER NOT NULL,
	PRIMARY KEY (industry_id, ticker)
);

CREATE TABLE IF NOT EXISTS company_periods (
	industry_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	key         TEXT NOT NULL,
	period_end  TEXT NOT NULL,
	value       REAL NOT NULL,
	PRIMARY KEY (industry_id, ticker, key, period_end)
);

CREATE TABLE IF NOT EXISTS source_attempts (
	run_id          TEXT NOT NULL,
	scope           TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	url             TEXT NOT NULL,
	adapter         TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	status_code     INTEGER NOT NULL DEFAULT 0,
	keys_found      TEXT NOT NULL DEFAULT '',
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	attempted_at_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, scope, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_industry ON runs(industry_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_source_attempts_outcome ON source_attempts(outcome);
`

// Migrate creates the tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartRun(ctx context.Context, run *model.IndustryRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	now := time.Now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, industry_id, status, data, started_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.IndustryID, string(run.Status), string(data), run.StartedAt.UnixMilli(), now,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.IndustryRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, data = ?, updated_at_ms = ? WHERE id = ?`,
		string(run.Status), string(data), time.Now().UTC().UnixMilli(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) SaveMacro(ctx context.Context, runID, industryID string, m *model.MacroData) error {
	data, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal macro")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_macro (run_id, industry_id, status, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		runID, industryID, string(m.Status), string(data),
	)
	return eris.Wrapf(err, "sqlite: save macro %s", runID)
}

func (s *SQLiteStore) SaveCompany(ctx context.Context, runID, industryID string, c *model.CompanyData) error {
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal company")
	}
	ticker := c.Company.Ticker

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO companies (industry_id, ticker, run_id, status, data, collected_at_ms) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (industry_id, ticker) DO UPDATE SET
			run_id = excluded.run_id, status = excluded.status, data = excluded.data, collected_at_ms = excluded.collected_at_ms`,
		industryID, ticker, runID, string(c.Status), string(data), c.CollectedAt.UnixMilli(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert company %s", ticker)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO company_periods (industry_id, ticker, key, period_end, value) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (industry_id, ticker, key, period_end) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare periods")
	}
	defer stmt.Close() //nolint:errcheck
	for _, p := range companyPeriods(c) {
		if _, err := stmt.ExecContext(ctx, industryID, ticker, string(p.key), p.period, p.value); err != nil {
			return eris.Wrapf(err, "sqlite: upsert period %s %s", ticker, p.key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit company")
}

func (s *SQLiteStore) SaveAttempts(ctx context.Context, runID, scope string, attempts []model.SourceAttempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_attempts WHERE run_id = ? AND scope = ?`, runID, scope); err != nil {
		return eris.Wrapf(err, "sqlite: clear attempts %s/%s", runID, scope)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO source_attempts (run_id, scope, seq, url, adapter, outcome, reason, status_code, keys_found, duration_ms, attempted_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare attempts")
	}
	defer stmt.Close() //nolint:errcheck
	for i, a := range attempts {
		if _, err := stmt.ExecContext(ctx, runID, scope, i, a.URL, a.AdapterID, string(a.Outcome), a.Reason,
			a.StatusCode, joinKeys(a.KeysFound), a.DurationMS, a.AttemptedAt.UnixMilli()); err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt %d", i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit attempts")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.IndustryRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	var run model.IndustryRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run")
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IndustryRun, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any

	if filter.IndustryID != "" {
		query += ` AND industry_id = ?`
		args = append(args, filter.IndustryID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at_ms DESC LIMIT ?`
	args = append(args, filter.limit())
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.IndustryRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var run model.IndustryRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetCompany(ctx context.Context, industryID, ticker string) (*model.CompanyData, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM companies WHERE industry_id = ? AND ticker = ?`, industryID, ticker,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "company %s/%s", industryID, ticker)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", ticker)
	}
	var c model.CompanyData
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal company")
	}
	return &c, nil
}

func (s *SQLiteStore) GetMacro(ctx context.Context, runID string) (*model.MacroData, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM run_macro WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "macro %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get macro %s", runID)
	}
	var m model.MacroData
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal macro")
	}
	return &m, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, runID, scope string) ([]model.SourceAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, adapter, outcome, reason, status_code, keys_found, duration_ms, attempted_at_ms
		 FROM source_attempts WHERE run_id = ? AND scope = ? ORDER BY seq`, runID, scope)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceAttempt
	for rows.Next() {
		var (
			a           model.SourceAttempt
			outcome     string
			keys        string
			attemptedMS int64
		)
		if err := rows.Scan(&a.URL, &a.AdapterID, &outcome, &a.Reason, &a.StatusCode, &keys, &a.DurationMS, &attemptedMS); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Outcome = model.Outcome(outcome)
		a.KeysFound = splitKeys(keys)
		a.AttemptedAt = time.UnixMilli(attemptedMS).UTC()
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
