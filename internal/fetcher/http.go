package fetcher

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RatePerSec   float64
	BackoffBase  time.Duration
	MaxBodyBytes int64
	RateLimiters map[string]*rate.Limiter
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
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

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

var _ Fetcher = (*HTTPFetcher)(nil)

// DefaultRateLimiters returns per-host limits for the government sites the
// watchers poll. Unlisted hosts get RatePerSec.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"www.federalregister.gov": rate.NewLimiter(5, 5),
		"hts.usitc.gov":           rate.NewLimiter(2, 2),
		"content.govdelivery.com": rate.NewLimiter(2, 2),
		"www.cbp.gov":             rate.NewLimiter(2, 2),
		"ustr.gov":                rate.NewLimiter(2, 2),
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tariff-cli/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.RateLimiters == nil {
		opts.RateLimiters = DefaultRateLimiters()
	}
	limiters := make(map[string]*AdaptiveLimiter, len(opts.RateLimiters))
	for host, lim := range opts.RateLimiters {
		limiters[host] = NewAdaptiveLimiter(lim.Limit(), lim.Burst())
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
	}
}

// limiterFor returns the host's limiter, creating one at the default rate.
func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := int(math.Ceil(f.opts.RatePerSec))
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RatePerSec), burst)
		f.limiters[host] = lim
	}
	return lim
}

// doWithRetry retries network errors, 408, 429 and 5xx with jittered
// exponential backoff, honoring Retry-After. Other statuses are returned to
// the caller.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req.URL.String())
	log := zap.L().With(zap.String("component", "fetcher.http"), zap.String("url", req.URL.String()))

	policy := resilience.Policy{
		Attempts: f.opts.MaxRetries,
		Base:     f.opts.BackoffBase,
		Jitter:   0.5,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn("http request failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}
	resp, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
			}
			return nil, resilience.NewTransientError(err, 0)
		}
		if te := resilience.FromResponse(resp, eris.Errorf("http %d from %s", resp.StatusCode, req.URL)); te != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
			}
			return nil, te
		}
		lim.OnSuccess()
		return resp, nil
	})
	if err != nil && resilience.IsTransient(err) {
		return nil, eris.Wrapf(err, "fetcher: %d attempts exhausted", f.opts.MaxRetries)
	}
	return resp, err
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return f.doWithRetry(ctx, req)
}

func statusError(resp *http.Response, rawURL string) error {
	_ = resp.Body.Close()
	return &PermanentError{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Err:        eris.Errorf("unexpected status %d", resp.StatusCode),
	}
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, rawURL)
	}
	return resp.Body, nil
}

// Fetch downloads the URL into memory with its response metadata.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	resp, err := f.get(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := readAll(rawURL, resp.Body, f.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		URL:         resp.Request.URL.String(),
		Body:        body,
		ContentType: strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]),
		ETag:        resp.Header.Get("ETag"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		doc.LastModified = lm.UTC()
	}
	return doc, nil
}

// DownloadIfChanged fetches the URL only if the ETag has changed.
// Returns (body, newETag, changed, error). If not changed, body is nil.
func (f *HTTPFetcher) DownloadIfChanged(ctx context.Context, rawURL string, etag string) (io.ReadCloser, string, bool, error) {
	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	resp, err := f.get(ctx, rawURL, header)
	if err != nil {
		return nil, "", false, err
	}
	if resp.StatusCode == http.StatusNotModified {
		_ = resp.Body.Close()
		return nil, etag, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", false, statusError(resp, rawURL)
	}
	return resp.Body, resp.Header.Get("ETag"), true, nil
}
