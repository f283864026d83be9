// Package store persists industry runs, per-company results, and the
// source attempt log.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/model"
)

// ErrNotFound is returned by the read methods for unknown ids.
var ErrNotFound = eris.New("store: not found")

// MacroScope is the attempt-log scope used for macro collection.
const MacroScope = "_macro"

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	IndustryID string       `json:"industry_id,omitempty"`
	Status     model.Status `json:"status,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Sink accepts collection results. SaveCompany and SaveAttempts overwrite
// earlier writes for the same key, so a resumed run never duplicates rows.
type Sink interface {
	StartRun(ctx context.Context, run *model.IndustryRun) error
	SaveMacro(ctx context.Context, runID, industryID string, m *model.MacroData) error
	// SaveCompany upserts by (industry, ticker).
	SaveCompany(ctx context.Context, runID, industryID string, c *model.CompanyData) error
	// SaveAttempts replaces the attempt log for (run, scope). scope is a
	// ticker or MacroScope.
	SaveAttempts(ctx context.Context, runID, scope string, attempts []model.SourceAttempt) error
	FinishRun(ctx context.Context, run *model.IndustryRun) error
}

// Store is a Sink that can be read back.
type Store interface {
	Sink

	GetRun(ctx context.Context, runID string) (*model.IndustryRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IndustryRun, error)
	GetCompany(ctx context.Context, industryID, ticker string) (*model.CompanyData, error)
	GetMacro(ctx context.Context, runID string) (*model.MacroData, error)
	ListAttempts(ctx context.Context, runID, scope string) ([]model.SourceAttempt, error)

	Migrate(ctx context.Context) error
	Close() error
}

// periodRow is one flattened series observation.
type periodRow struct {
	key    model.Key
	period string
	value  float64
}

// companyPeriods flattens the financial and quarterly series of c.
func companyPeriods(c *model.CompanyData) []periodRow {
	var out []periodRow
	for _, series := range []map[model.Key]model.HistoricalExtraction{c.Financials, c.Quarters} {
		for k, h := range series {
			for _, p := range h.Periods {
				out = append(out, periodRow{key: k, period: p.End.Format("2006-01-02"), value: p.Value})
			}
		}
	}
	return out
}

func joinKeys(keys []model.Key) string {
	ss := make([]string, len(keys))
	for i, k := range keys {
		ss[i] = string(k)
	}
	return strings.Join(ss, ",")
}

func splitKeys(s string) []model.Key {
	if s == "" {
		return nil
	}
	return model.Keys(strings.Split(s, ",")...)
}
