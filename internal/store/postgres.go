package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/db"
	"github.com/sells-group/datapack-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_run":      `SELECT data FROM runs WHERE id = $1`,
	"get_company":  `SELECT data FROM companies WHERE industry_id = $1 AND ticker = $2`,
	"get_macro":    `SELECT data FROM run_macro WHERE run_id = $1`,
	"clear_trail":  `DELETE FROM source_attempts WHERE run_id = $1 AND scope = $2`,
	"list_attempt": `SELECT url, adapter, outcome, reason, status_code, keys_found, duration_ms, attempted_at FROM source_attempts WHERE run_id = $1 AND scope = $2 ORDER BY seq`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool so the block registry can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	industry_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_macro (
	run_id      TEXT PRIMARY KEY REFERENCES runs(id),
	industry_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	data        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS companies (
	industry_id  TEXT NOT NULL,
	ticker       TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	data         JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (industry_id, ticker)
);

CREATE TABLE IF NOT EXISTS company_periods (
	industry_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	key         TEXT NOT NULL,
	period_end  DATE NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (industry_id, ticker, key, period_end)
);

CREATE TABLE IF NOT EXISTS source_attempts (
	run_id       TEXT NOT NULL,
	scope        TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	url          TEXT NOT NULL,
	adapter      TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	status_code  INTEGER NOT NULL DEFAULT 0,
	keys_found   TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	attempted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, scope, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_industry_started ON runs(industry_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_source_attempts_outcome ON source_attempts(outcome);
`

var attemptColumns = []string{
	"run_id", "scope", "seq", "url", "adapter", "outcome", "reason",
	"status_code", "keys_found", "duration_ms", "attempted_at",
}

var periodSpec = db.UpsertSpec{
	Table:        "company_periods",
	Columns:      []string{"industry_id", "ticker", "key", "period_end", "value"},
	ConflictKeys: []string{"industry_id", "ticker", "key", "period_end"},
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, run *model.IndustryRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, industry_id, status, data, started_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.IndustryID, string(run.Status), data, run.StartedAt, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *model.IndustryRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(run.Status), data, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) SaveMacro(ctx context.Context, runID, industryID string, m *model.MacroData) error {
	data, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal macro")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_macro (run_id, industry_id, status, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		runID, industryID, string(m.Status), data,
	)
	return eris.Wrapf(err, "postgres: save macro %s", runID)
}

// SaveCompany upserts the company row, then merges its series into
// company_periods through a staged COPY.
func (s *PostgresStore) SaveCompany(ctx context.Context, runID, industryID string, c *model.CompanyData) error {
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal company")
	}
	ticker := c.Company.Ticker
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO companies (industry_id, ticker, run_id, status, data, collected_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (industry_id, ticker) DO UPDATE SET
			run_id = EXCLUDED.run_id, status = EXCLUDED.status, data = EXCLUDED.data, collected_at = EXCLUDED.collected_at`,
		industryID, ticker, runID, string(c.Status), data, c.CollectedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert company %s", ticker)
	}

	periods := companyPeriods(c)
	rows := make([][]any, len(periods))
	for i, p := range periods {
		end, _ := time.Parse("2006-01-02", p.period)
		rows[i] = []any{industryID, ticker, string(p.key), end, p.value}
	}
	if _, err := db.Upsert(ctx, s.pool, periodSpec, rows); err != nil {
		return eris.Wrapf(err, "postgres: upsert periods %s", ticker)
	}
	return nil
}

func (s *PostgresStore) SaveAttempts(ctx context.Context, runID, scope string, attempts []model.SourceAttempt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM source_attempts WHERE run_id = $1 AND scope = $2`, runID, scope); err != nil {
		return eris.Wrapf(err, "postgres: clear attempts %s/%s", runID, scope)
	}
	rows := make([][]any, len(attempts))
	for i, a := range attempts {
		rows[i] = []any{runID, scope, i, a.URL, a.AdapterID, string(a.Outcome), a.Reason,
			a.StatusCode, joinKeys(a.KeysFound), a.DurationMS, a.AttemptedAt}
	}
	if _, err := db.CopyRows(ctx, tx, "source_attempts", attemptColumns, rows); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit attempts")
}

func (s *PostgresStore) getJSON(ctx context.Context, dst any, what, query string, args ...any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(ErrNotFound, what)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get %s", what)
	}
	return eris.Wrapf(json.Unmarshal(data, dst), "postgres: unmarshal %s", what)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.IndustryRun, error) {
	var run model.IndustryRun
	if err := s.getJSON(ctx, &run, "run "+runID, `SELECT data FROM runs WHERE id = $1`, runID); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, industryID, ticker string) (*model.CompanyData, error) {
	var c model.CompanyData
	if err := s.getJSON(ctx, &c, fmt.Sprintf("company %s/%s", industryID, ticker),
		`SELECT data FROM companies WHERE industry_id = $1 AND ticker = $2`, industryID, ticker); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetMacro(ctx context.Context, runID string) (*model.MacroData, error) {
	var m model.MacroData
	if err := s.getJSON(ctx, &m, "macro "+runID, `SELECT data FROM run_macro WHERE run_id = $1`, runID); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IndustryRun, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IndustryID != "" {
		query += ` AND industry_id = ` + arg(filter.IndustryID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ` + arg(filter.limit())
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IndustryRun
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var run model.IndustryRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, runID, scope string) ([]model.SourceAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url, adapter, outcome, reason, status_code, keys_found, duration_ms, attempted_at
		 FROM source_attempts WHERE run_id = $1 AND scope = $2 ORDER BY seq`, runID, scope)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.SourceAttempt
	for rows.Next() {
		var (
			a       model.SourceAttempt
			outcome string
			keys    string
		)
		if err := rows.Scan(&a.URL, &a.AdapterID, &outcome, &a.Reason, &a.StatusCode, &keys, &a.DurationMS, &a.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.Outcome(outcome)
		a.KeysFound = splitKeys(keys)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}
