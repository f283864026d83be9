// Package value parses raw datapoint text into typed values.
package value

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/datapack-cli/internal/model"
)

// Parsed is the result of parsing a raw string under a unit.
type Parsed struct {
	Float    float64
	Text     string
	Date     *time.Time
	Unit     model.Unit
	Scale    model.Scale
	Currency string
}

// Any returns the typed value stored in an Extraction.
func (p Parsed) Any() any {
	switch {
	case p.Unit.Numeric():
		return p.Float
	case p.Date != nil:
		return p.Date.Format("2006-01-02")
	default:
		return p.Text
	}
}

// missing tokens are treated as absent values under every unit.
var missing = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"—":    true,
	"–":    true,
	"n/a":  true,
	"na":   true,
	"nm":   true,
	"null": true,
	"none": true,
	".":    true,
}

// IsMissing reports whether raw is a placeholder for no value.
func IsMissing(raw string) bool {
	return missing[strings.ToLower(strings.TrimSpace(raw))]
}

// Parse parses raw under unit. It returns false when raw is missing or does
// not match the unit grammar.
func Parse(raw string, unit model.Unit) (Parsed, bool) {
	s := strings.TrimSpace(raw)
	if IsMissing(s) {
		return Parsed{}, false
	}
	switch unit {
	case model.UnitCurrency:
		return ParseCurrency(s)
	case model.UnitPercent:
		f, ok := ParsePercent(s)
		return Parsed{Float: f, Unit: unit, Scale: model.ScaleUnits}, ok
	case model.UnitRatio:
		f, ok := ParseRatio(s)
		return Parsed{Float: f, Unit: unit, Scale: model.ScaleUnits}, ok
	case model.UnitNumber:
		p, ok := ParseCurrency(s)
		if !ok {
			return Parsed{}, false
		}
		p.Unit = unit
		p.Currency = ""
		return p, true
	case model.UnitDate:
		t, ok := ParseDate(s)
		if !ok {
			return Parsed{}, false
		}
		return Parsed{Date: &t, Unit: unit, Text: s}, true
	default:
		return Parsed{Text: s, Unit: model.UnitString}, true
	}
}

// suffixes are matched longest first, case-insensitively.
var suffixes = []struct {
	text  string
	scale model.Scale
}{
	{"trillion", model.ScaleTrillions},
	{"billion", model.ScaleBillions},
	{"million", model.ScaleMillions},
	{"thousand", model.ScaleThousands},
	{"tril", model.ScaleTrillions},
	{"bil", model.ScaleBillions},
	{"mil", model.ScaleMillions},
	{"bn", model.ScaleBillions},
	{"mn", model.ScaleMillions},
	{"t", model.ScaleTrillions},
	{"b", model.ScaleBillions},
	{"m", model.ScaleMillions},
	{"k", model.ScaleThousands},
}

var currencyCodes = []string{"USD", "EUR", "GBP", "JPY", "CAD", "CHF", "AUD", "CNY"}

var currencySymbols = map[string]string{
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// negative strips accounting parentheses or a leading minus sign.
func negative(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return strings.TrimSpace(s[1 : len(s)-1]), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		return strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "-"), "−")), true
	}
	return s, false
}

// ParseCurrency parses values like "$1.23B", "(4,500)", "EUR 12.5 mil".
// Currency defaults to USD only when a dollar sign was present.
func ParseCurrency(raw string) (Parsed, bool) {
	s, neg := negative(raw)
	p := Parsed{Unit: model.UnitCurrency, Scale: model.ScaleUnits}

	upper := strings.ToUpper(s)
	for _, code := range currencyCodes {
		if strings.Contains(upper, code) {
			p.Currency = code
			i := strings.Index(upper, code)
			s = s[:i] + s[i+len(code):]
			break
		}
	}
	dollar := strings.Contains(s, "$")
	s = strings.ReplaceAll(s, "$", "")
	for sym, code := range currencySymbols {
		if strings.Contains(s, sym) {
			if p.Currency == "" {
				p.Currency = code
			}
			s = strings.ReplaceAll(s, sym, "")
		}
	}
	if p.Currency == "" && dollar {
		p.Currency = "USD"
	}

	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if inner, n := negative(s); n {
		s, neg = inner, !neg
	}

	lower := strings.ToLower(s)
	for _, suf := range suffixes {
		if strings.HasSuffix(lower, suf.text) {
			head := strings.TrimSpace(s[:len(s)-len(suf.text)])
			if head == "" {
				continue
			}
			s = head
			p.Scale = suf.scale
			break
		}
	}
	s = strings.ReplaceAll(s, " ", "")

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Parsed{}, false
	}
	if neg {
		f = -f
	}
	p.Float = f
	return p, true
}

// ParsePercent parses "12.5%", "(1.2%)", "+3%".
func ParsePercent(raw string) (float64, bool) {
	s, neg := negative(raw)
	f, ok := ParseNumber(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if !ok {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// ParseRatio parses "15.2", "15.2x", "1,024.5X".
func ParseRatio(raw string) (float64, bool) {
	s, neg := negative(raw)
	s = strings.TrimSpace(s)
	f, ok := ParseNumber(strings.TrimSuffix(strings.TrimSuffix(s, "x"), "X"))
	if !ok {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// ParseNumber parses a plain number with an optional sign, accounting
// parentheses, and thousands separators. Magnitude suffixes are rejected.
func ParseNumber(raw string) (float64, bool) {
	s, neg := negative(raw)
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// NormalizePercentDecimal converts a decimal fraction to a percentage when
// abs(v) < 1. Values of 1 or more are assumed to already be percentages, so a
// true 0.5% reported as 0.5 becomes 50. Sources known to mix conventions
// should not opt in.
func NormalizePercentDecimal(v float64) float64 {
	if math.Abs(v) < 1 {
		return v * 100
	}
	return v
}

// ParseSplitRatio parses "a/b" or "a:b" into a/b, or a plain positive
// number as the ratio itself. Zero or malformed denominators are rejected.
func ParseSplitRatio(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	sep := strings.IndexAny(s, "/:")
	if sep < 0 {
		f, ok := ParseNumber(s)
		if !ok || f <= 0 {
			return 0, false
		}
		return f, true
	}
	if sep == 0 {
		return 0, false
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(s[:sep]), 64)
	if err != nil {
		return 0, false
	}
	den, err := strconv.ParseFloat(strings.TrimSpace(s[sep+1:]), 64)
	if err != nil || den == 0 {
		return 0, false
	}
	return num / den, true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2006-01",
	"2006",
}

// ParseDate parses common date layouts in UTC.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Float coerces a decoded JSON or spreadsheet value to float64 under unit.
func Float(v any, unit model.Unit) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		p, ok := Parse(n, unit)
		if !ok || !p.Unit.Numeric() {
			return 0, false
		}
		return p.Float, true
	}
	return 0, false
}
