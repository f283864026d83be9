// Package fetcher retrieves source documents over HTTP and FTP. It applies
// per-host rate limits, retries transient failures, and reports rate
// limiting, bot walls, and transport failures as typed errors.
package fetcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/resilience"
)

// Options configures the fetch client.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Retry        resilience.Policy
	// HostRates sets requests per second for specific hosts.
	HostRates map[string]float64
	// DefaultRate applies to hosts without an entry in HostRates.
	DefaultRate float64
	// RateLimitCooldown applies when a 429 carries no Retry-After.
	RateLimitCooldown time.Duration
	FTPTimeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "datapack-cli/1.0"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 20 << 20
	}
	if o.DefaultRate <= 0 {
		o.DefaultRate = 2
	}
	if o.RateLimitCooldown <= 0 {
		o.RateLimitCooldown = time.Minute
	}
	return o
}

// Client implements model.FetchClient.
type Client struct {
	opts Options
	http *httpTransport
	ftp  *FTPFetcher

	mu        sync.Mutex
	limiters  map[string]*AdaptiveLimiter
	cooldowns map[string]time.Time
	nowFunc   func() time.Time
}

var _ model.FetchClient = (*Client)(nil)

// New creates a fetch client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:      opts,
		http:      newHTTPTransport(opts),
		ftp:       NewFTPFetcher(FTPOptions{Timeout: opts.FTPTimeout, MaxBytes: opts.MaxBodyBytes}),
		limiters:  make(map[string]*AdaptiveLimiter),
		cooldowns: make(map[string]time.Time),
		nowFunc:   time.Now,
	}
}

// Fetch retrieves rawURL. Non-2xx responses that are not rate limits or bot
// walls are returned as results with their status code.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*model.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())

	switch u.Scheme {
	case "ftp":
		return c.fetchFTP(ctx, rawURL)
	case "http", "https":
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}

	if until, ok := c.cooldown(host); ok {
		return nil, &model.RateLimitError{Domain: host, RetryAfter: &until}
	}
	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}
	return c.fetchHTTP(ctx, host, rawURL, headers)
}

// IsRateLimited reports whether domain is cooling down after a 429.
func (c *Client) IsRateLimited(domain string) bool {
	_, ok := c.cooldown(strings.ToLower(domain))
	return ok
}

func (c *Client) cooldown(host string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[host]
	if !ok {
		return time.Time{}, false
	}
	if !c.nowFunc().Before(until) {
		delete(c.cooldowns, host)
		return time.Time{}, false
	}
	return until, true
}

func (c *Client) startCooldown(host string, retryAfter *time.Time) time.Time {
	until := c.nowFunc().Add(c.opts.RateLimitCooldown)
	if retryAfter != nil {
		until = *retryAfter
	}
	c.mu.Lock()
	c.cooldowns[host] = until
	c.mu.Unlock()
	return until
}

func (c *Client) limiter(host string) *AdaptiveLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	r := c.opts.DefaultRate
	if hr, ok := c.opts.HostRates[host]; ok && hr > 0 {
		r = hr
	}
	burst := int(r)
	if burst < 1 {
		burst = 1
	}
	l := NewAdaptiveLimiter(rate.Limit(r), burst)
	c.limiters[host] = l
	return l
}
