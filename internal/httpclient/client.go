// Package httpclient provides the single shared outbound HTTP client.
// Topic fetches follow redirects; callback-bound requests (verification,
// delivery) never do. HTTP status codes are returned for inspection and
// never surfaced as errors; only transport failures are errors, and those
// are retried with jittered backoff.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxAttempts = 3
	retryBaseDelay     = 250 * time.Millisecond
)

// Request describes one outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// FollowRedirects must be false for callback-bound requests.
	FollowRedirects bool
}

// Response is the fully read outbound response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config configures a Client.
type Config struct {
	UserAgent string
	Timeout   time.Duration // per attempt; default 120s
	// RatePerSecond > 0 enables a per-host outbound limiter.
	RatePerSecond float64
	RateBurst     int
	// MaxAttempts caps transport-error retries; default 3.
	MaxAttempts int
	// BeforeRetry is invoked before each retry attempt. Defaults to a log line.
	BeforeRetry func(attempt int, url string, err error)
	// Transport overrides the underlying RoundTripper, for tests.
	Transport http.RoundTripper
}

// Client is the shared outbound client.
type Client struct {
	redirecting *http.Client
	pinned      *http.Client
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	beforeRetry func(attempt int, url string, err error)

	ratePerSecond float64
	rateBurst     int
	limiters      *xsync.Map[string, *rate.Limiter]
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	beforeRetry := cfg.BeforeRetry
	if beforeRetry == nil {
		beforeRetry = func(attempt int, url string, err error) {
			log.Printf("[httpclient] retry %d for %s: %v", attempt, url, err)
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		redirecting: &http.Client{Transport: transport},
		pinned: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:     cfg.UserAgent,
		timeout:       timeout,
		maxAttempts:   maxAttempts,
		beforeRetry:   beforeRetry,
		ratePerSecond: cfg.RatePerSecond,
		rateBurst:     cfg.RateBurst,
		limiters:      xsync.NewMap[string, *rate.Limiter](),
	}
}

// Do executes the request, retrying transport failures. The returned
// response carries whatever status the remote produced.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.waitForHost(ctx, r.URL); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.beforeRetry(attempt, r.URL, lastErr)
			delay := time.Duration(float64(retryBaseDelay<<(attempt-2)) * (1 + rand.Float64()))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.attempt(ctx, r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(ctx, err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request %s: %w", r.URL, lastErr)
}

func (c *Client) attempt(ctx context.Context, r Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(r.Body) > 0 {
		bodyReader = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, r.Method, r.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	client := c.pinned
	if r.FollowRedirects {
		client = c.redirecting
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) waitForHost(ctx context.Context, rawURL string) error {
	if c.ratePerSecond <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	limiter, _ := c.limiters.LoadOrCompute(u.Host, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(rate.Limit(c.ratePerSecond), c.rateBurst), false
	})
	return limiter.Wait(ctx)
}

// isTransient reports whether a transport failure is worth another attempt
// within this call. Caller cancellation is final.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
