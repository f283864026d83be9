package collector

import (
	"net/url"
	"strings"
)

const redacted = "REDACTED"

var secretParams = map[string]bool{
	"apikey":     true,
	"api_key":    true,
	"token":      true,
	"key":        true,
	"access_key": true,
}

// SanitizeURL strips userinfo and redacts credential query parameters so
// URLs can be written to the attempt log.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	if u.RawQuery == "" {
		return u.String()
	}

	parts := strings.Split(u.RawQuery, "&")
	for i, p := range parts {
		name, _, hasValue := strings.Cut(p, "=")
		if !hasValue {
			continue
		}
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if secretParams[strings.ToLower(decoded)] {
			parts[i] = name + "=" + redacted
		}
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}
