// Package token acquires and caches the bearer credential used for every
// outbound call. Concurrent refreshes are coalesced into a single in-flight
// exchange so that exactly one network call happens per expiry cycle.
package token

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for credential acquisition.
var (
	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_token_refresh_total",
		Help: "Total credential refresh attempts by outcome",
	}, []string{"outcome"})

	tokenRefreshCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_token_refresh_coalesced_total",
		Help: "Callers that joined an already in-flight credential refresh",
	})
)

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the credential-exchange settings.
type Config struct {
	// TokenURL is the credential-exchange endpoint.
	TokenURL string

	// Grant parameters, form-encoded into the exchange request.
	ClientID     string
	ClientSecret string
	Scope        string
	GrantType    string // defaults to "client_credentials"

	// HTTPClient performs the exchange call. Required.
	HTTPClient Doer

	// ClockSkew is subtracted from the stored expiry when deciding whether
	// the cached credential is still usable. Defaults to 30s.
	ClockSkew time.Duration
}

// Provider caches the credential and coalesces concurrent refreshes.
type Provider struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tok    string
	expiry time.Time
	flight *flight
}

// flight is the shared future for one in-flight refresh. All waiters receive
// the same outcome, success or failure.
type flight struct {
	done chan struct{}
	tok  string
	err  error
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.TokenURL == "" {
		return nil, ErrNoTokenURL
	}
	if cfg.HTTPClient == nil {
		return nil, ErrNoHTTPClient
	}
	if cfg.GrantType == "" {
		cfg.GrantType = "client_credentials"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}

	return &Provider{
		cfg:    cfg,
		logger: log.With().Str("component", "token-provider").Logger(),
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source (for testing).
func (p *Provider) SetClock(now func() time.Time) {
	p.now = now
}

// Token returns the cached credential, joining or starting a refresh when it
// is missing or about to expire.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()

	if p.tok != "" && p.expiry.Add(-p.cfg.ClockSkew).After(p.now()) {
		tok := p.tok
		p.mu.Unlock()
		return tok, nil
	}

	if f := p.flight; f != nil {
		p.mu.Unlock()
		tokenRefreshCoalescedTotal.Inc()
		select {
		case <-f.done:
			return f.tok, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	p.flight = f
	p.mu.Unlock()

	tok, expiry, err := p.refresh(ctx)

	p.mu.Lock()
	if err == nil {
		p.tok = tok
		p.expiry = expiry
	}
	f.tok, f.err = tok, err
	p.flight = nil
	p.mu.Unlock()
	close(f.done)

	return tok, err
}

// refresh performs the credential-exchange call.
func (p *Provider) refresh(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", p.cfg.GrantType)
	if p.cfg.ClientID != "" {
		form.Set("client_id", p.cfg.ClientID)
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	p.logger.Debug().Str("endpoint", p.cfg.TokenURL).Msg("Refreshing credential")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Msg("Credential exchange transport failure")
		return "", time.Time{}, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, &RefreshError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		p.logger.Warn().Int("status", resp.StatusCode).Msg("Credential exchange rejected")
		return "", time.Time{}, &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	// expires_in stays raw here: a malformed expiry next to a usable
	// access_token must classify as an expiry problem, not a missing token.
	var payload struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, ErrTokenMissing
	}
	if payload.AccessToken == "" {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, ErrTokenMissing
	}

	var expiresIn json.Number
	if err := json.Unmarshal(payload.ExpiresIn, &expiresIn); err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, ErrExpiryInvalid
	}
	secs, err := expiresIn.Float64()
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, ErrExpiryInvalid
	}
	if secs < 0 {
		secs = 0
	}

	expiry := p.now().Add(time.Duration(secs * float64(time.Second)))
	tokenRefreshTotal.WithLabelValues("success").Inc()
	p.logger.Info().Time("expiry", expiry).Msg("Credential refreshed")

	return payload.AccessToken, expiry, nil
}
