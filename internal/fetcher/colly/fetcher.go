// Package collyfetcher implements the bulk page gateway using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calegis/lawcrawl/internal/metrics"
	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Fetcher implements pipeline.Fetcher using a Colly collector. Each
// fetch clones the base collector, so it is safe for concurrent use.
// All requests share one token bucket; the source is a single host and
// hammering it gets the crawler blocked.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	limiter       *rate.Limiter
	retry         *retryPolicy
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	limit := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		limiter:       rate.NewLimiter(limit, burst),
		retry:         newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a rate-limited GET with retries. The returned result's
// SourceURL is the URL after redirects, which is how version selector
// pages are recognized downstream.
func (f *Fetcher) Fetch(ctx context.Context, url string) (pipeline.FetchResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return pipeline.FetchResult{}, fmt.Errorf("rate limit wait: %w", err)
		}

		result, err := f.fetchOnce(ctx, url)
		if err == nil {
			metrics.ObserveFetch("ok", result.Duration)
			return result, nil
		}
		lastErr = err
		metrics.ObserveFetch("error", result.Duration)

		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return pipeline.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return pipeline.FetchResult{}, lastErr
}

// fetchOutcome carries one visit's result across the goroutine
// boundary in fetchOnce.
type fetchOutcome struct {
	result pipeline.FetchResult
	err    error
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (pipeline.FetchResult, error) {
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	// Colly fires callbacks synchronously inside Visit, so the outcome
	// stays local to the visit goroutine until it is handed over the
	// channel. On cancellation the orphaned visit keeps writing its own
	// copy; the caller never sees it.
	done := make(chan fetchOutcome, 1)
	go func() {
		var out fetchOutcome
		collector.OnResponse(func(r *colly.Response) {
			out.result = pipeline.FetchResult{
				SourceURL:  r.Request.URL.String(),
				Content:    string(r.Body),
				StatusCode: r.StatusCode,
				Duration:   time.Since(start),
			}
		})
		collector.OnError(func(r *colly.Response, err error) {
			if r != nil && r.StatusCode > 0 {
				out.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
				return
			}
			out.err = err
		})

		visitErr := collector.Visit(url)
		// The OnError callback carries the status code; prefer it so
		// retry classification sees "status NNN".
		if out.err != nil {
			out.err = fmt.Errorf("response failed: %w", out.err)
		} else if visitErr != nil {
			out.err = fmt.Errorf("visit failed: %w", visitErr)
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResult{Duration: time.Since(start)}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			out.result.Duration = time.Since(start)
			return out.result, out.err
		}
		return out.result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
