package client

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// IsOffline reports whether err looks like a network-level outage: DNS
// failure, connection refused/reset, unreachable host or network, or a
// timeout. Only these failures are eligible for the partial-result swallow
// path; anything else always propagates.
//
// The classification is a heuristic. Transports report outages in many
// shapes, so the check goes through the typed error chain rather than
// message text.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
