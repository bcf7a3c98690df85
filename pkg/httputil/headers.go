// Package httputil provides header normalization and URL origin handling for
// the batch engine.
package httputil

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NormalizeHeaders returns a copy of the header map with lowercase keys.
// When two keys collide after lowercasing, the later one wins.
func NormalizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// RetryAfter extracts the retry-after delay from a normalized header map.
// Both delta-seconds and HTTP-date forms are supported. Returns 0 when the
// header is absent or unparseable.
func RetryAfter(headers map[string]string, now time.Time) time.Duration {
	raw, ok := headers["retry-after"]
	if !ok || raw == "" {
		return 0
	}
	return parseRetryAfter(raw, now)
}

// RetryAfterHeader is the http.Header variant of RetryAfter.
func RetryAfterHeader(h http.Header, now time.Time) time.Duration {
	return parseRetryAfter(h.Get("Retry-After"), now)
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}

	return 0
}
