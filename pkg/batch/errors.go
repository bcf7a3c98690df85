package batch

import (
	"errors"
	"fmt"

	"github.com/tfrahmen/batch-client/pkg/client"
	"github.com/tfrahmen/batch-client/pkg/pagination"
)

// Sentinel errors.
var (
	// ErrNoRequests is returned when no request list is supplied.
	ErrNoRequests = errors.New("request list is required")

	// ErrInvalidShape is returned when the batch endpoint answers without
	// a responses array. This is a protocol violation and is never
	// retried or degraded.
	ErrInvalidShape = errors.New("batch response lacks responses array")

	// ErrSizeExceeded is returned when a single call would exceed the
	// configured subrequest capacity.
	ErrSizeExceeded = errors.New("batch request size exceeded")
)

// SubrequestRetryError is returned in strict mode when one subrequest
// exhausts its retry ceiling.
type SubrequestRetryError struct {
	ID     string
	Status int
}

func (e *SubrequestRetryError) Error() string {
	return fmt.Sprintf("subrequest %q exhausted retries (last status %d)", e.ID, e.Status)
}

// errorType maps an error to the ledger's type tag.
func errorType(err error) string {
	var oe *client.OriginError
	if errors.As(err, &oe) {
		return "origin_mismatch"
	}
	var ele *pagination.ExternalLinkError
	if errors.As(err, &ele) {
		return "external_link"
	}
	if errors.Is(err, pagination.ErrPagesExceeded) {
		return "pages_exceeded"
	}
	if errors.Is(err, pagination.ErrPageNotJSON) {
		return "non_json"
	}
	var sre *SubrequestRetryError
	if errors.As(err, &sre) {
		return "retry_exhausted"
	}
	var ree *client.RetryExhaustedError
	if errors.As(err, &ree) {
		return "retry_exhausted"
	}
	var re *client.RequestError
	if errors.As(err, &re) {
		return "request_failed"
	}
	if client.IsOffline(err) {
		return "offline"
	}
	return "error"
}

// errorStatus extracts an HTTP status from known error shapes, 0 otherwise.
func errorStatus(err error) int {
	var re *client.RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	var ree *client.RetryExhaustedError
	if errors.As(err, &ree) {
		return ree.Status
	}
	var sre *SubrequestRetryError
	if errors.As(err, &sre) {
		return sre.Status
	}
	return 0
}
