// Package throttle shares a remote-imposed cooldown across engine instances.
// When the remote answers with a throttling status and a Retry-After, the
// deadline is published to Redis so cooperating processes hold off dispatch
// until it passes instead of piling further load onto the endpoint.
package throttle

import (
	"time"
)

// RedisKeyCooldownUntil stores the cooldown deadline as a Unix-millisecond
// timestamp. Shared by all instances pointed at the same remote.
const RedisKeyCooldownUntil = "batch:throttle:cooldown_until"

// Statuses that establish a cooldown when paired with a Retry-After.
const (
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// State is the current shared cooldown.
type State struct {
	// Until is the deadline before which dispatch should pause.
	// Zero when no cooldown is active.
	Until time.Time
}

// Active reports whether the cooldown is still in force.
func (s State) Active(now time.Time) bool {
	return s.Until.After(now)
}

// Remaining returns the time left on the cooldown, or 0 when inactive.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.Active(now) {
		return 0
	}
	return s.Until.Sub(now)
}

// Throttling reports whether a response status should establish a cooldown.
func Throttling(status int) bool {
	return status == StatusTooManyRequests || status == StatusServiceUnavailable
}
