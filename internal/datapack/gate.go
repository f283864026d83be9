package datapack

import (
	"fmt"
	"math"

	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

// GateResult is the outcome of validating an assembled datapack.
type GateResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks the structural integrity of a datapack against its
// industry configuration. Any error fails the gate.
func Validate(pack *model.Datapack, ind *industry.Config) GateResult {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if pack.Macro == nil {
		fail("macro section missing")
	} else {
		errs = append(errs, checkAttempts("macro", pack.Macro.Attempts)...)
	}

	if len(pack.Companies) != len(ind.Companies) {
		fail("expected %d companies, got %d", len(ind.Companies), len(pack.Companies))
	}
	seen := make(map[string]bool, len(pack.Companies))
	for _, c := range pack.Companies {
		if c == nil {
			fail("nil company entry")
			continue
		}
		t := c.Company.Ticker
		if seen[t] {
			fail("duplicate company %s", t)
		}
		seen[t] = true

		switch c.Status {
		case model.StatusComplete, model.StatusPartial:
			dp := c.Valuation[model.KeyMarketCap]
			if !dp.Found {
				fail("%s: status %s without market cap", t, c.Status)
			} else if dp.Extraction != nil {
				if _, ok := dp.Extraction.Float(); !ok {
					fail("%s: market cap is not numeric", t)
				}
			}
			if c.Status == model.StatusComplete && len(c.MissingRequired) > 0 {
				fail("%s: complete with %d missing required", t, len(c.MissingRequired))
			}
		case model.StatusFailed:
		default:
			fail("%s: unknown status %q", t, c.Status)
		}

		for k, e := range c.Derived {
			if v, ok := e.Float(); !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				fail("%s: derived %s is not a finite number", t, k)
			}
		}
		errs = append(errs, checkAttempts(t, c.Attempts)...)
	}
	for _, co := range ind.Companies {
		if !seen[co.Ticker] {
			fail("company %s missing from datapack", co.Ticker)
		}
	}
	return GateResult{Passed: len(errs) == 0, Errors: errs}
}

func checkAttempts(scope string, attempts []model.SourceAttempt) []string {
	var errs []string
	for i, a := range attempts {
		if !a.Outcome.IsValid() {
			errs = append(errs, fmt.Sprintf("%s: attempt %d has invalid outcome %q", scope, i, a.Outcome))
		}
	}
	return errs
}
