package collector

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/resilience"
)

// BlockOutcome maps an active block record to its attempt outcome.
func BlockOutcome(rec blocks.Record) model.Outcome {
	if rec.Kind == blocks.KindRateLimited {
		return model.OutcomeRateLimited
	}
	return model.OutcomeBlocked
}

// FetchOutcome classifies a fetch failure and returns the outcome, a reason,
// and the HTTP status carried by the fault (0 when none).
func FetchOutcome(err error) (model.Outcome, string, int) {
	var (
		active *blocks.ActiveError
		rl     *model.RateLimitError
		be     *model.BlockedError
	)
	switch {
	case errors.As(err, &active):
		return BlockOutcome(active.Record), active.Error(), active.Record.LastStatus
	case errors.As(err, &rl):
		return model.OutcomeRateLimited, rl.Error(), http.StatusTooManyRequests
	case errors.As(err, &be):
		return model.OutcomeBlocked, be.Error(), be.StatusCode
	case resilience.IsTimeout(err):
		return model.OutcomeTimeout, err.Error(), 0
	default:
		return model.OutcomeNetworkError, err.Error(), 0
	}
}

// HTTPOutcome classifies a fetched document by status. ok is false for
// non-2xx responses.
func HTTPOutcome(fr *model.FetchResult) (outcome model.Outcome, reason string, ok bool) {
	if fr.OK() {
		return "", "", true
	}
	return model.OutcomeHTTPError, fmt.Sprintf("HTTP %d", fr.StatusCode), false
}

// AdaptOutcome classifies an adapter result for requested keys. stale lists
// keys whose values were discarded for freshness.
func AdaptOutcome(res *model.AdaptResult, requested int, stale []model.Key) (model.Outcome, string) {
	found := res.FoundCount()
	switch {
	case found == 0 && len(stale) > 0:
		return model.OutcomeStale, fmt.Sprintf("%d value(s) older than minimum as-of", len(stale))
	case found == 0 && res.ParseError != "":
		return model.OutcomeParseFailed, res.ParseError
	case found == 0:
		return model.OutcomeNotInPage, "no requested keys in document"
	case found < requested:
		return model.OutcomePartial, fmt.Sprintf("found %d of %d keys", found, requested)
	default:
		return model.OutcomeSuccess, ""
	}
}

// IsStale reports whether e carries an as-of date older than asOfMin.
// Values without an as-of date are never stale.
func IsStale(e model.Extraction, asOfMin *time.Time) bool {
	return asOfMin != nil && e.AsOf != nil && e.AsOf.Before(*asOfMin)
}

// dropStale moves stale extractions to NotFound and returns their keys.
func dropStale(res *model.AdaptResult, asOfMin *time.Time) []model.Key {
	if asOfMin == nil {
		return nil
	}
	var stale []model.Key
	for k, e := range res.Extractions {
		if IsStale(e, asOfMin) {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(res.Extractions, k)
		res.NotFound = append(res.NotFound, k)
	}
	sortKeys(stale)
	return stale
}
