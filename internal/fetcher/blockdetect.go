package fetcher

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot wall detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockDenied     BlockType = "access_denied"
)

// challengeSignatures only count on short bodies; real pages mention these
// words in footers and help text.
var challengeSignatures = []string{
	"just a moment",
	"attention required",
	"enable javascript and cookies",
	"please enable cookies",
	"access denied",
	"request unsuccessful",
	"unusual traffic",
}

const challengeBodyLimit = 4000

// DetectBlock inspects a response status, headers, and body for an anti-bot
// wall. A 403 without a wall signal is an ordinary HTTP error. A nil header is
// allowed.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-mitigated") != "" ||
			strings.EqualFold(header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") ||
		strings.Contains(lower, "captcha-delivery") {
		return true, BlockCaptcha
	}

	if len(body) < challengeBodyLimit {
		for _, sig := range challengeSignatures {
			if strings.Contains(lower, sig) {
				return true, BlockDenied
			}
		}
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") &&
			!strings.Contains(lower, "<table") {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
