package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration and response-shape failures.
var (
	// ErrNoTokenURL is returned when no exchange endpoint is configured.
	ErrNoTokenURL = errors.New("token url is required")

	// ErrNoHTTPClient is returned when no transport is supplied.
	ErrNoHTTPClient = errors.New("http client is required")

	// ErrTokenMissing is returned when the exchange response carries no
	// usable credential.
	ErrTokenMissing = errors.New("exchange response lacks access_token")

	// ErrExpiryInvalid is returned when expires_in is not a finite number.
	ErrExpiryInvalid = errors.New("exchange response expires_in is not a finite number")
)

// ExchangeError is returned when the exchange endpoint answers outside
// [200,300). It carries the remote status and body for diagnostics; the
// credential itself never appears in it.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("credential exchange failed (status %d): %s", e.Status, e.Body)
}

// RefreshError wraps a transport-level failure during the exchange call so
// that offline classification still sees the underlying error.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credential exchange: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsTokenError reports whether err originated in credential acquisition.
// The dispatcher uses it to classify outages as auth-stage rather than
// batch-stage.
func IsTokenError(err error) bool {
	if errors.Is(err, ErrTokenMissing) || errors.Is(err, ErrExpiryInvalid) {
		return true
	}
	var ex *ExchangeError
	if errors.As(err, &ex) {
		return true
	}
	var re *RefreshError
	return errors.As(err, &re)
}
