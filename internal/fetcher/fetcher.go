// Package fetcher performs single HTTP GETs against the upstream APIs. A rate limited
// response (429) is retried in place after an exponential backoff wait; every other
// error status and every transport failure is returned to the caller as fatal for the
// current target.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
	"github.com/johnayoung/go-polymarket-ingest/internal/version"
)

const (
	defaultRequestTimeout = 30 * time.Second
	errorBodyLimit        = 8 << 10
)

// Options configures a Client.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries bounds consecutive 429 retries for one request. Zero retries forever.
	MaxRetries     int
	RequestTimeout time.Duration
	// RateLimit is the politeness throttle in requests per second. Zero disables it.
	RateLimit float64
	UserAgent string
}

// OptionsFromConfig maps the backoff section plus a workflow's rate limit onto Options.
func OptionsFromConfig(cfg config.BackoffConfig, rateLimit float64) Options {
	return Options{
		InitialInterval: cfg.Initial(),
		MaxInterval:     cfg.Max(),
		Multiplier:      cfg.Multiplier,
		MaxRetries:      cfg.MaxRetries,
		RequestTimeout:  cfg.Request(),
		RateLimit:       rateLimit,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Recorder receives request and backoff observations, typically for metrics.
type Recorder interface {
	ObserveRequest(endpoint string, status int, elapsed time.Duration)
	ObserveBackoff(endpoint string, wait time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, int, time.Duration) {}
func (nopRecorder) ObserveBackoff(string, time.Duration)      {}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("GET %s: status %d body=%q", e.URL, e.Code, e.Body)
}

// Client is shared by all sessions of a workflow. It owns the HTTP client and the
// politeness limiter; backoff state lives in each Session.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	opts       Options
	logger     *slog.Logger
	sleep      Sleeper
	recorder   Recorder
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "polyingest/" + version.Version
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
		sleep:    sleepContext,
		recorder: nopRecorder{},
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func (c *Client) WithSleeper(s Sleeper) *Client {
	c.sleep = s
	return c
}

// WithRecorder attaches an observation sink.
func (c *Client) WithRecorder(r Recorder) *Client {
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
	return c
}

// NewSession starts a session for one target with a fresh backoff.
func (c *Client) NewSession(target string) *Session {
	return &Session{
		client:  c,
		target:  target,
		backoff: NewBackoff(c.opts.InitialInterval, c.opts.MaxInterval, c.opts.Multiplier),
		logger:  c.logger.With("target", target),
	}
}

// Session fetches the pages of one target in sequence.
type Session struct {
	client  *Client
	target  string
	backoff *Backoff
	logger  *slog.Logger
}

// Get fetches rawURL and returns the response body. It retries while the upstream
// answers 429, sleeping the current backoff between attempts.
func (s *Session) Get(ctx context.Context, rawURL string) ([]byte, error) {
	c := s.client
	endpoint := endpointLabel(rawURL)
	retries := 0

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, perrors.New(perrors.ErrorTypeCanceled, "fetch", s.target, err)
			}
		}

		start := time.Now()
		body, status, err := s.do(ctx, rawURL)
		c.recorder.ObserveRequest(endpoint, status, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return nil, perrors.New(perrors.ErrorTypeCanceled, "fetch", s.target, ctx.Err())
			}
			return nil, perrors.Fatal("fetch", s.target, err)
		}

		if status == http.StatusTooManyRequests {
			retries++
			if c.opts.MaxRetries > 0 && retries > c.opts.MaxRetries {
				return nil, perrors.RateLimited("fetch", s.target,
					fmt.Errorf("still rate limited after %d retries", c.opts.MaxRetries))
			}
			wait := s.backoff.Next()
			s.logger.Warn("rate limited, backing off",
				"endpoint", endpoint,
				"wait", wait,
				"retry", retries)
			c.recorder.ObserveBackoff(endpoint, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, perrors.New(perrors.ErrorTypeCanceled, "fetch", s.target, err)
			}
			continue
		}

		if status >= 400 {
			return nil, perrors.Fatal("fetch", s.target, &StatusError{
				Code: status,
				URL:  rawURL,
				Body: string(body),
			})
		}

		s.backoff.Reset()
		return body, nil
	}
}

// do performs one request. Error bodies are truncated; a 429 body is discarded.
func (s *Session) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.client.opts.UserAgent)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		return nil, resp.StatusCode, nil
	case resp.StatusCode >= 400:
		return []byte(readBodyLimit(resp.Body, errorBodyLimit)), resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	b, _ := io.ReadAll(&io.LimitedReader{R: r, N: max})
	return strings.TrimSpace(string(b))
}

func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "unknown"
	}
	return u.Path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
