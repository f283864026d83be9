package datapack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/datapack-cli/internal/model"
)

func gateCompany(ticker string, status model.Status, mcap any) *model.CompanyData {
	c := &model.CompanyData{
		Company:   model.Company{Ticker: ticker},
		Status:    status,
		Valuation: map[model.Key]model.Datapoint{},
	}
	if mcap != nil {
		e := model.Extraction{Key: model.KeyMarketCap, Value: mcap}
		c.Valuation[model.KeyMarketCap] = model.Datapoint{Key: model.KeyMarketCap, Found: true, Extraction: &e}
	}
	return c
}

func TestValidate_Passes(t *testing.T) {
	ind := testIndustry("NVDA", "AMD")
	pack := &model.Datapack{
		Macro: &model.MacroData{Status: model.StatusComplete},
		Companies: []*model.CompanyData{
			gateCompany("NVDA", model.StatusComplete, 1000.0),
			gateCompany("AMD", model.StatusFailed, nil),
		},
	}
	res := Validate(pack, ind)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Errors)
}

func TestValidate_Failures(t *testing.T) {
	ind := testIndustry("NVDA", "AMD")
	tests := []struct {
		name    string
		mutate  func(p *model.Datapack)
		wantErr string
	}{
		{"missing macro", func(p *model.Datapack) { p.Macro = nil }, "macro section missing"},
		{"missing company", func(p *model.Datapack) { p.Companies = p.Companies[:1] }, "company AMD missing from datapack"},
		{"duplicate company", func(p *model.Datapack) { p.Companies[1] = gateCompany("NVDA", model.StatusComplete, 1.0) }, "duplicate company NVDA"},
		{"complete without market cap", func(p *model.Datapack) { p.Companies[1] = gateCompany("AMD", model.StatusComplete, nil) }, "AMD: status complete without market cap"},
		{"non-numeric market cap", func(p *model.Datapack) { p.Companies[0] = gateCompany("NVDA", model.StatusComplete, "huge") }, "NVDA: market cap is not numeric"},
		{"complete with missing required", func(p *model.Datapack) { p.Companies[0].MissingRequired = []model.Key{keyPE} }, "NVDA: complete with 1 missing required"},
		{"unknown status", func(p *model.Datapack) { p.Companies[1].Status = "weird" }, `AMD: unknown status "weird"`},
		{"non-finite derived", func(p *model.Datapack) {
			p.Companies[0].Derived = map[model.Key]model.Extraction{model.KeyFCFYield: {Value: math.Inf(1)}}
		}, "NVDA: derived valuation.fcf_yield is not a finite number"},
		{"invalid outcome", func(p *model.Datapack) {
			p.Macro.Attempts = []model.SourceAttempt{{Outcome: "exploded"}}
		}, `macro: attempt 0 has invalid outcome "exploded"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pack := &model.Datapack{
				Macro: &model.MacroData{Status: model.StatusComplete},
				Companies: []*model.CompanyData{
					gateCompany("NVDA", model.StatusComplete, 1000.0),
					gateCompany("AMD", model.StatusFailed, nil),
				},
			}
			tt.mutate(pack)
			res := Validate(pack, ind)
			assert.False(t, res.Passed)
			assert.Contains(t, res.Errors, tt.wantErr)
		})
	}
}
