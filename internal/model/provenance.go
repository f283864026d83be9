package model

import (
	"net/url"
	"strings"
	"time"
)

// Outcome classifies a single source attempt.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomePartial      Outcome = "partial"
	OutcomeHTTPError    Outcome = "http_error"
	OutcomeParseFailed  Outcome = "parse_failed"
	OutcomeNotInPage    Outcome = "not_in_page"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeStale        Outcome = "stale"
)

// IsValid reports whether o is one of the defined outcomes.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeHTTPError, OutcomeParseFailed, OutcomeNotInPage,
		OutcomeRateLimited, OutcomeBlocked, OutcomeTimeout, OutcomeNetworkError, OutcomeStale:
		return true
	}
	return false
}

// Found reports whether the outcome yielded at least one value.
func (o Outcome) Found() bool {
	return o == OutcomeSuccess || o == OutcomePartial
}

// SourceCandidate is one (url, adapter) binding in a priority-ordered list.
// Lower Priority values are tried first; equal priorities keep list order.
type SourceCandidate struct {
	URL       string            `json:"url" yaml:"url"`
	Domain    string            `json:"domain,omitempty" yaml:"domain,omitempty"`
	AdapterID string            `json:"adapter" yaml:"adapter"`
	Priority  int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Host returns the configured domain, falling back to the URL host.
func (c SourceCandidate) Host() string {
	if c.Domain != "" {
		return c.Domain
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SourceAttempt is one entry in the audit trail of a collection.
type SourceAttempt struct {
	URL         string    `json:"url"`
	AdapterID   string    `json:"adapter"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	KeysFound   []Key     `json:"keys_found,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// AttemptedSource is the per-datapoint summary of a failed source.
type AttemptedSource struct {
	URL       string  `json:"url"`
	AdapterID string  `json:"adapter"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
}

// AdaptResult is what an adapter returns for a set of requested keys.
// After Normalize every requested key appears in exactly one of
// Extractions, Historical, or NotFound.
type AdaptResult struct {
	Extractions map[Key]Extraction           `json:"extractions"`
	Historical  map[Key]HistoricalExtraction `json:"historical"`
	NotFound    []Key                        `json:"not_found"`
	ParseError  string                       `json:"parse_error,omitempty"`
}

// NewAdaptResult returns an empty result with initialized maps.
func NewAdaptResult() *AdaptResult {
	return &AdaptResult{
		Extractions: make(map[Key]Extraction),
		Historical:  make(map[Key]HistoricalExtraction),
	}
}

// NotFoundResult reports every key as missing, optionally with a parse error.
func NotFoundResult(keys []Key, parseErr string) *AdaptResult {
	r := NewAdaptResult()
	r.NotFound = append(r.NotFound, keys...)
	r.ParseError = parseErr
	return r
}

// AddExtraction records a scalar value.
func (r *AdaptResult) AddExtraction(e Extraction) {
	delete(r.Historical, e.Key)
	r.Extractions[e.Key] = e
}

// AddHistorical records a series value.
func (r *AdaptResult) AddHistorical(h HistoricalExtraction) {
	delete(r.Extractions, h.Key)
	r.Historical[h.Key] = h
}

// Has reports whether key was resolved as scalar or series.
func (r *AdaptResult) Has(k Key) bool {
	if _, ok := r.Extractions[k]; ok {
		return true
	}
	_, ok := r.Historical[k]
	return ok
}

// FoundCount returns the number of resolved keys.
func (r *AdaptResult) FoundCount() int {
	return len(r.Extractions) + len(r.Historical)
}

// Normalize enforces the partition over requested: unrequested values are
// dropped and every unresolved requested key lands in NotFound once.
func (r *AdaptResult) Normalize(requested []Key) {
	if r.Extractions == nil {
		r.Extractions = make(map[Key]Extraction)
	}
	if r.Historical == nil {
		r.Historical = make(map[Key]HistoricalExtraction)
	}
	want := make(map[Key]bool, len(requested))
	for _, k := range requested {
		want[k] = true
	}
	for k := range r.Extractions {
		if !want[k] {
			delete(r.Extractions, k)
		}
	}
	for k := range r.Historical {
		_, dup := r.Extractions[k]
		if !want[k] || dup {
			delete(r.Historical, k)
		}
	}
	seen := make(map[Key]bool, len(requested))
	var nf []Key
	for _, k := range requested {
		if seen[k] || r.Has(k) {
			continue
		}
		seen[k] = true
		nf = append(nf, k)
	}
	r.NotFound = nf
}
