// Package cache provides an optional Redis-backed cache for successful GET
// responses, mainly pagination page fetches. TTL follows the Expires header
// with a default fallback.
package cache

import (
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback when no Expires header is present.
	DefaultTTL = 5 * time.Minute

	// keyPrefix namespaces all engine cache keys in Redis.
	keyPrefix = "batch:page:"
)

// Key identifies a cached response.
type Key struct {
	// URL is the absolute request URL.
	URL string
}

// String generates the Redis key.
func (k Key) String() string {
	return keyPrefix + k.URL
}

// Entry is a cached response body plus the metadata needed to serve it.
type Entry struct {
	// Data is the response body.
	Data []byte `json:"data"`

	// Status is the HTTP status of the cached response.
	Status int `json:"status"`

	// Headers are the normalized response headers.
	Headers map[string]string `json:"headers"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry has gone stale.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 when already stale.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ExpiryFromHeaders derives the entry expiry from a normalized header map.
// Falls back to now + DefaultTTL when the Expires header is absent, invalid,
// or in the past.
func ExpiryFromHeaders(headers map[string]string, now time.Time) time.Time {
	raw, ok := headers["expires"]
	if !ok || strings.TrimSpace(raw) == "" {
		return now.Add(DefaultTTL)
	}

	at, err := http.ParseTime(raw)
	if err != nil || !at.After(now) {
		return now.Add(DefaultTTL)
	}
	return at
}
