package model

import "time"

// Status is the collection status of a company, macro section, or run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// Severity marks whether a missing datapoint degrades status.
type Severity string

const (
	SeverityRequired Severity = "required"
	SeverityOptional Severity = "optional"
)

// Datapoint is a resolved (or unresolved) value with its provenance trail.
type Datapoint struct {
	Key              Key                   `json:"key"`
	Found            bool                  `json:"found"`
	Severity         Severity              `json:"severity,omitempty"`
	Extraction       *Extraction           `json:"extraction,omitempty"`
	Historical       *HistoricalExtraction `json:"historical,omitempty"`
	AttemptedSources []AttemptedSource     `json:"attempted_sources,omitempty"`
}

// Company identifies a company in an industry.
type Company struct {
	Ticker   string `json:"ticker" yaml:"ticker"`
	Name     string `json:"name" yaml:"name"`
	Exchange string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	CIK      string `json:"cik,omitempty" yaml:"cik,omitempty"`
}

// Phase names used in CompanyData.Phases and SkippedPhases.
const (
	PhaseValuation  = "valuation"
	PhaseFinancials = "financials"
	PhaseQuarters   = "quarters"
)

// PhaseResult records how one company phase went.
type PhaseResult struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// CompanyData is the collected datapack section for one company.
type CompanyData struct {
	Company         Company                      `json:"company"`
	Status          Status                       `json:"status"`
	Valuation       map[Key]Datapoint            `json:"valuation"`
	Derived         map[Key]Extraction           `json:"derived,omitempty"`
	Financials      map[Key]HistoricalExtraction `json:"financials,omitempty"`
	Quarters        map[Key]HistoricalExtraction `json:"quarters,omitempty"`
	MissingRequired []Key                        `json:"missing_required,omitempty"`
	MissingOptional []Key                        `json:"missing_optional,omitempty"`
	Phases          []PhaseResult                `json:"phases"`
	SkippedPhases   []string                     `json:"skipped_phases,omitempty"`
	Attempts        []SourceAttempt              `json:"attempts"`
	Error           string                       `json:"error,omitempty"`
	CollectedAt     time.Time                    `json:"collected_at"`
	DurationMS      int64                        `json:"duration_ms"`
}

// MacroData is the collected industry-wide macro section.
type MacroData struct {
	Status          Status            `json:"status"`
	Indicators      map[Key]Datapoint `json:"indicators"`
	MissingRequired []Key             `json:"missing_required,omitempty"`
	MissingOptional []Key             `json:"missing_optional,omitempty"`
	Attempts        []SourceAttempt   `json:"attempts"`
	CollectedAt     time.Time         `json:"collected_at"`
	DurationMS      int64             `json:"duration_ms"`
}

// IndustryRun is the audit record of one industry collection.
type IndustryRun struct {
	ID               string            `json:"id"`
	IndustryID       string            `json:"industry_id"`
	Status           Status            `json:"status"`
	MacroStatus      Status            `json:"macro_status,omitempty"`
	CompanyStatuses  map[string]Status `json:"company_statuses,omitempty"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	Error            string            `json:"error,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	DurationMS       int64             `json:"duration_ms"`
}

// Counts returns the number of companies in each status.
func (r IndustryRun) Counts() (complete, partial, failed int) {
	for _, s := range r.CompanyStatuses {
		switch s {
		case StatusComplete:
			complete++
		case StatusPartial:
			partial++
		case StatusFailed:
			failed++
		}
	}
	return complete, partial, failed
}

// Datapack is the assembled artifact of an industry run.
type Datapack struct {
	IndustryID  string         `json:"industry_id"`
	Name        string         `json:"name,omitempty"`
	Run         IndustryRun    `json:"run"`
	Macro       *MacroData     `json:"macro"`
	Companies   []*CompanyData `json:"companies"`
	GeneratedAt time.Time      `json:"generated_at"`
}
