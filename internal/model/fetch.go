package model

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FetchResult is a fetched document handed to adapters.
type FetchResult struct {
	URL         string      `json:"url"`
	StatusCode  int         `json:"status_code"`
	ContentType string      `json:"content_type"`
	Body        []byte      `json:"-"`
	Headers     http.Header `json:"headers,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// OK reports a 2xx status.
func (f *FetchResult) OK() bool { return f.StatusCode >= 200 && f.StatusCode < 300 }

// Text returns the body as a string.
func (f *FetchResult) Text() string { return string(f.Body) }

func (f *FetchResult) contentType() string { return strings.ToLower(f.ContentType) }

// IsHTML reports an HTML content type.
func (f *FetchResult) IsHTML() bool {
	ct := f.contentType()
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// IsJSON reports a JSON content type.
func (f *FetchResult) IsJSON() bool {
	return strings.Contains(f.contentType(), "json")
}

// IsXML reports an XML content type.
func (f *FetchResult) IsXML() bool {
	ct := f.contentType()
	return strings.Contains(ct, "xml") && !strings.Contains(ct, "spreadsheetml") && !strings.Contains(ct, "xhtml")
}

// IsSpreadsheet reports an XLSX content type or file extension.
func (f *FetchResult) IsSpreadsheet() bool {
	ct := f.contentType()
	return strings.Contains(ct, "spreadsheetml") || strings.Contains(ct, "ms-excel") ||
		strings.HasSuffix(strings.ToLower(urlPath(f.URL)), ".xlsx")
}

// IsCSV reports a CSV content type or file extension.
func (f *FetchResult) IsCSV() bool {
	return strings.Contains(f.contentType(), "csv") || strings.HasSuffix(strings.ToLower(urlPath(f.URL)), ".csv")
}

func urlPath(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// FetchClient retrieves documents. Implementations report rate limiting,
// blocking, and transport failures with the typed errors below.
type FetchClient interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (*FetchResult, error)
	IsRateLimited(domain string) bool
}

// RateLimitError is returned when a source signals rate limiting.
type RateLimitError struct {
	Domain     string
	RetryAfter *time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("rate limited by %s until %s", e.Domain, e.RetryAfter.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited by %s", e.Domain)
}

// BlockedError is returned when a source refuses access (bot wall, captcha,
// 403). Adapters may also return it when a page body is a challenge.
type BlockedError struct {
	Source     string
	Reason     string
	StatusCode int
	RetryAfter *time.Time
}

func (e *BlockedError) Error() string {
	msg := "blocked"
	if e.Source != "" {
		msg += " by " + e.Source
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }
