// Package adapter extracts datapoints from fetched documents.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/model"
)

// Adapter extracts a subset of keys from one fetched document.
//
// Every requested key must land in exactly one of the result's Extractions,
// Historical, or NotFound. Content type mismatches and malformed documents
// are reported through ParseError with every key not found, never as an
// error. A returned *model.BlockedError signals a challenge page.
type Adapter interface {
	// ID returns the adapter identifier referenced by source candidates.
	ID() string
	// SupportedKeys returns the keys this adapter can produce.
	SupportedKeys() []model.Key
	// Adapt extracts keys from fr. ticker fills {ticker} placeholders.
	Adapt(ctx context.Context, fr *model.FetchResult, keys []model.Key, ticker string) (*model.AdaptResult, error)
}

// Run calls a.Adapt, converts panics to errors, and normalizes the result
// against keys.
func Run(ctx context.Context, a Adapter, fr *model.FetchResult, keys []model.Key, ticker string) (res *model.AdaptResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = eris.Errorf("adapter: %s panicked: %v", a.ID(), r)
		}
	}()
	res, err = a.Adapt(ctx, fr, keys, ticker)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = model.NotFoundResult(keys, "")
	}
	res.Normalize(keys)
	return res, nil
}

// Supports reports whether a can produce k.
func Supports(a Adapter, k model.Key) bool {
	for _, s := range a.SupportedKeys() {
		if s == k {
			return true
		}
	}
	return false
}

// Intersect returns the keys in want (in order) that a supports.
func Intersect(a Adapter, want []model.Key) []model.Key {
	supported := make(map[model.Key]bool)
	for _, k := range a.SupportedKeys() {
		supported[k] = true
	}
	var out []model.Key
	for _, k := range want {
		if supported[k] {
			out = append(out, k)
		}
	}
	return out
}

func fillTicker(path, ticker string) string {
	return strings.ReplaceAll(path, "{ticker}", ticker)
}

func mismatch(id, want string, fr *model.FetchResult) string {
	ct := fr.ContentType
	if ct == "" {
		ct = "unknown"
	}
	return fmt.Sprintf("%s: expected %s content, got %s", id, want, ct)
}
