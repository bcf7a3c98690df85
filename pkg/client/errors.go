package client

import (
	"fmt"
)

// OriginError is returned when a URL falls outside the configured service
// origin. This is a security boundary: no network call is made and the
// condition is never retried.
type OriginError struct {
	URL string
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("url %q is outside the configured origin", e.URL)
}

// RequestError is returned for a non-2xx, non-retryable status.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed (status %d)", e.Status)
}

// RetryExhaustedError is returned when a retryable status persists through
// the whole-call retry ceiling.
type RetryExhaustedError struct {
	Status int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted (last status %d)", e.Status)
}
