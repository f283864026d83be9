package datapack

import "github.com/sells-group/datapack-cli/internal/model"

// CompanyStatus classifies a company: failed without a market cap, partial
// when any other required metric is missing, complete otherwise.
func CompanyStatus(valuation map[model.Key]model.Datapoint, missingRequired []model.Key) model.Status {
	if dp, ok := valuation[model.KeyMarketCap]; !ok || !dp.Found {
		return model.StatusFailed
	}
	for _, k := range missingRequired {
		if k != model.KeyMarketCap {
			return model.StatusPartial
		}
	}
	return model.StatusComplete
}

// MacroStatus classifies the macro section. Missing required indicators fail
// it only when nothing at all was found. Missing optional indicators degrade
// it only when required indicators are configured.
func MacroStatus(requiredConfigured, missingRequired, missingOptional, found int) model.Status {
	switch {
	case missingRequired > 0 && found == 0:
		return model.StatusFailed
	case missingRequired > 0:
		return model.StatusPartial
	case missingOptional > 0 && requiredConfigured > 0:
		return model.StatusPartial
	}
	return model.StatusComplete
}

// AggregateStatus rolls company statuses up into a run status. The run
// fails when macro failed or more than half of the companies failed.
func AggregateStatus(macro model.Status, companies []model.Status) model.Status {
	var failed, partial int
	for _, s := range companies {
		switch s {
		case model.StatusFailed:
			failed++
		case model.StatusPartial:
			partial++
		}
	}
	if macro == model.StatusFailed || failed*2 > len(companies) {
		return model.StatusFailed
	}
	if failed > 0 || partial > 0 {
		return model.StatusPartial
	}
	return model.StatusComplete
}

// phaseStatus grades a phase by how many of its keys resolved.
func phaseStatus(found, total int) model.Status {
	switch {
	case found == total:
		return model.StatusComplete
	case found == 0:
		return model.StatusFailed
	}
	return model.StatusPartial
}
