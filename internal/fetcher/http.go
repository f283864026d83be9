package fetcher

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/resilience"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate, down to initial/4.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("fetcher: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

type httpTransport struct {
	client *http.Client
	opts   Options
}

func newHTTPTransport(opts Options) *httpTransport {
	return &httpTransport{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
	}
}

func (t *httpTransport) get(ctx context.Context, rawURL string, headers map[string]string) (*model.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", t.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	return &model.FetchResult{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Headers:     resp.Header,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (c *Client) fetchHTTP(ctx context.Context, host, rawURL string, headers map[string]string) (*model.FetchResult, error) {
	policy := c.opts.Retry
	policy.OnRetry = resilience.LogRetry("fetch", zap.String("url", rawURL))

	// last keeps a transient-status response so it can surface as an
	// http_error result once retries are exhausted.
	var last *model.FetchResult
	fr, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*model.FetchResult, error) {
		fr, err := c.http.get(ctx, rawURL, headers)
		if err != nil {
			return nil, err
		}
		if resilience.IsTransientStatus(fr.StatusCode) {
			last = fr
			return nil, resilience.Transient(eris.Errorf("http %d from %s", fr.StatusCode, host), fr.StatusCode)
		}
		return fr, nil
	})
	if err != nil {
		var te *resilience.TransientError
		if last != nil && eris.As(err, &te) && te.StatusCode > 0 {
			return last, nil
		}
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}

	lim := c.limiter(host)
	switch {
	case fr.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
		until := c.startCooldown(host, c.retryAfter(fr.Headers))
		return nil, &model.RateLimitError{Domain: host, RetryAfter: &until}
	case fr.StatusCode == http.StatusForbidden || fr.StatusCode == http.StatusServiceUnavailable:
		if blocked, kind := DetectBlock(fr.StatusCode, fr.Headers, fr.Body); blocked {
			return nil, &model.BlockedError{
				Source:     host,
				Reason:     string(kind),
				StatusCode: fr.StatusCode,
				RetryAfter: c.retryAfter(fr.Headers),
			}
		}
	case fr.OK():
		lim.OnSuccess()
	}
	return fr, nil
}

// retryAfter parses a Retry-After header as seconds or an HTTP date.
func (c *Client) retryAfter(h http.Header) *time.Time {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		t := c.nowFunc().Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}
