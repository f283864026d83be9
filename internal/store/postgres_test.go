package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(model.IndustryRun{ID: "run-1", IndustryID: "semis", Status: model.StatusComplete})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "semis", run.IndustryID)
	assert.Equal(t, model.StatusComplete, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, data = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), &model.IndustryRun{ID: "gone", Status: model.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCompany_UpsertsRowAndPeriods(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	c := &model.CompanyData{
		Company: model.Company{Ticker: "NVDA"},
		Status:  model.StatusComplete,
		Financials: map[model.Key]model.HistoricalExtraction{
			"financials.revenue": {Key: "financials.revenue", Periods: []model.PeriodValue{
				{End: time.Date(2024, 1, 28, 0, 0, 0, 0, time.UTC), Value: 60.9},
				{End: time.Date(2023, 1, 29, 0, 0, 0, 0, time.UTC), Value: 27.0},
			}},
		},
	}

	mock.ExpectExec(`INSERT INTO companies .* ON CONFLICT \(industry_id, ticker\) DO UPDATE SET`).
		WithArgs("semis", "NVDA", "run-1", "complete", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_company_periods"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_company_periods"}, periodSpec.Columns).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("industry_id", "ticker", "key", "period_end"\) DO UPDATE SET "value" = EXCLUDED."value"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, s.SaveCompany(context.Background(), "run-1", "semis", c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCompany_NoSeries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO companies`).
		WithArgs("semis", "AMD", "run-1", "failed", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c := &model.CompanyData{Company: model.Company{Ticker: "AMD"}, Status: model.StatusFailed}
	require.NoError(t, s.SaveCompany(context.Background(), "run-1", "semis", c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAttempts_ReplacesWithCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	attempts := []model.SourceAttempt{
		{URL: "https://a.example.com", AdapterID: "quote", Outcome: model.OutcomeSuccess, AttemptedAt: time.Now()},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM source_attempts WHERE run_id = \$1 AND scope = \$2`).
		WithArgs("run-1", "NVDA").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"source_attempts"}, attemptColumns).WillReturnResult(1)
	mock.ExpectCommit()

	require.NoError(t, s.SaveAttempts(context.Background(), "run-1", "NVDA", attempts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_BuildsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(model.IndustryRun{ID: "run-9", IndustryID: "semis"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM runs WHERE 1=1 AND industry_id = \$1 AND status = \$2 ORDER BY started_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("semis", "failed", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	runs, err := s.ListRuns(context.Background(), RunFilter{IndustryID: "semis", Status: model.StatusFailed, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-9", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
