// Package client issues single authenticated calls against the remote API
// with whole-call retry, throttling awareness, and offline classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tfrahmen/batch-client/pkg/backoff"
	"github.com/tfrahmen/batch-client/pkg/cache"
	"github.com/tfrahmen/batch-client/pkg/httputil"
	"github.com/tfrahmen/batch-client/pkg/throttle"
	"github.com/tfrahmen/batch-client/pkg/token"
)

// Prometheus metrics for request execution.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_requests_total",
		Help: "Total outbound requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_request_duration_seconds",
		Help:    "Outbound request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_call_retries_total",
		Help: "Whole-call retry attempts by reason",
	}, []string{"reason"}) // "network", "status"

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_call_retry_exhausted_total",
		Help: "Calls that exhausted their retry ceiling by reason",
	}, []string{"reason"})
)

// DefaultRetryableStatuses are retried at the whole-call level and at the
// per-subrequest level inside a batch.
var DefaultRetryableStatuses = []int{429, 502, 503, 504}

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service root; every URL is validated against its
	// origin. Required.
	BaseURL string

	// HTTPClient performs the outbound calls. Required; there is no
	// implicit default transport.
	HTTPClient Doer

	// TokenProvider supplies the credential attached to every call.
	// Required.
	TokenProvider *token.Provider

	// UserAgent identifies the engine to the remote API.
	UserAgent string

	// MaxAttempts is the whole-call ceiling including the initial try.
	MaxAttempts int

	// Backoff drives the delay between attempts.
	Backoff *backoff.Calculator

	// RetryableStatuses are retried; everything else non-2xx fails fast.
	RetryableStatuses []int

	// Cache, when set, serves repeated GETs from Redis. Optional.
	Cache *cache.Manager

	// Throttle, when set, gates dispatch on the shared cooldown. Optional.
	Throttle *throttle.Tracker
}

// Client executes authenticated calls.
type Client struct {
	cfg       Config
	origin    *httputil.Origin
	retryable map[int]bool
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.TokenProvider == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if cfg.RetryableStatuses == nil {
		cfg.RetryableStatuses = DefaultRetryableStatuses
	}

	origin, err := httputil.ParseOrigin(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	retryable := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, s := range cfg.RetryableStatuses {
		retryable[s] = true
	}

	return &Client{
		cfg:       cfg,
		origin:    origin,
		retryable: retryable,
		logger:    log.With().Str("component", "batch-client").Logger(),
		sleep:     sleepCtx,
	}, nil
}

// Origin returns the configured service origin.
func (c *Client) Origin() *httputil.Origin {
	return c.origin
}

// RetryableStatus reports whether a status belongs to the retryable set.
func (c *Client) RetryableStatus(status int) bool {
	return c.retryable[status]
}

// SetSleep replaces the inter-attempt sleep (for testing).
func (c *Client) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// Get issues an authenticated GET and returns the parsed body.
func (c *Client) Get(ctx context.Context, rawURL string) (json.RawMessage, error) {
	return c.RequestJSON(ctx, http.MethodGet, rawURL, nil, nil)
}

// RequestJSON issues one authenticated call with whole-call retry.
//
// Transport-level failures are retried up to the ceiling and then propagate
// unchanged so the caller can classify them. Retryable statuses honor the
// larger of Retry-After and the calculator delay; exhausting them yields a
// RetryExhaustedError. Any other non-2xx fails with a RequestError. A 2xx
// returns the raw body, possibly empty.
func (c *Client) RequestJSON(ctx context.Context, method, rawURL string, headers map[string]string, body any) (json.RawMessage, error) {
	ok, err := c.origin.SameOrigin(rawURL)
	if err != nil {
		return nil, &OriginError{URL: rawURL}
	}
	if !ok {
		c.logger.Warn().Str("url", rawURL).Msg("Rejected off-origin url")
		return nil, &OriginError{URL: rawURL}
	}

	abs, err := c.origin.Resolve(rawURL)
	if err != nil {
		return nil, &OriginError{URL: rawURL}
	}
	endpoint := endpointLabel(abs)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if method == http.MethodGet && c.cfg.Cache != nil {
		if entry, err := c.cfg.Cache.Get(ctx, cache.Key{URL: abs}); err == nil {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving from page cache")
			return json.RawMessage(entry.Data), nil
		} else if err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	tok, err := c.cfg.TokenProvider.Token(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		if c.cfg.Throttle != nil {
			if err := c.cfg.Throttle.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := c.buildRequest(ctx, method, abs, headers, payload, tok)
		if err != nil {
			return nil, err
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", method).
			Int("attempt", attempt).
			Msg("Executing request")

		resp, doErr := c.cfg.HTTPClient.Do(req)
		if doErr != nil {
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(doErr).Str("endpoint", endpoint).Int("attempt", attempt).Msg("Transport failure")

			if attempt >= c.cfg.MaxAttempts {
				retryExhaustedTotal.WithLabelValues("network").Inc()
				return nil, doErr
			}
			retriesTotal.WithLabelValues("network").Inc()
			if err := c.sleep(ctx, c.cfg.Backoff.Delay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if attempt >= c.cfg.MaxAttempts {
				retryExhaustedTotal.WithLabelValues("network").Inc()
				return nil, readErr
			}
			retriesTotal.WithLabelValues("network").Inc()
			if err := c.sleep(ctx, c.cfg.Backoff.Delay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		status := resp.StatusCode
		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()

		retryAfter := httputil.RetryAfterHeader(resp.Header, time.Now())
		if c.cfg.Throttle != nil {
			if err := c.cfg.Throttle.Observe(ctx, status, retryAfter); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to publish cooldown")
			}
		}

		if status >= 200 && status < 300 {
			if method == http.MethodGet && status == http.StatusOK && c.cfg.Cache != nil {
				c.storeInCache(ctx, abs, resp, raw)
			}
			return json.RawMessage(raw), nil
		}

		if !c.retryable[status] {
			c.logger.Warn().Str("endpoint", endpoint).Int("status", status).Msg("Request rejected")
			return nil, &RequestError{Status: status, Body: string(raw)}
		}

		if attempt >= c.cfg.MaxAttempts {
			retryExhaustedTotal.WithLabelValues("status").Inc()
			c.logger.Warn().Str("endpoint", endpoint).Int("status", status).Msg("Retry ceiling reached")
			return nil, &RetryExhaustedError{Status: status}
		}

		delay := c.cfg.Backoff.Delay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		retriesTotal.WithLabelValues("status").Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("status", status).
			Dur("delay", delay).
			Msg("Retrying after throttling status")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, method, abs string, headers map[string]string, payload []byte, tok string) (*http.Request, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, abs, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range httputil.NormalizeHeaders(headers) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	return req, nil
}

func (c *Client) storeInCache(ctx context.Context, abs string, resp *http.Response, raw []byte) {
	now := time.Now()
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	entry := &cache.Entry{
		Data:     raw,
		Status:   resp.StatusCode,
		Headers:  headers,
		Expires:  cache.ExpiryFromHeaders(headers, now),
		CachedAt: now,
	}
	if err := c.cfg.Cache.Set(ctx, cache.Key{URL: abs}, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
	}
}

// endpointLabel strips the query so metric cardinality stays bounded.
func endpointLabel(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return "invalid"
	}
	return u.Path
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
