package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cooldown tracking.
var (
	throttleCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_throttle_cooldowns_total",
		Help: "Cooldowns established from throttling responses",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_throttle_wait_seconds",
		Help:    "Time spent waiting for a shared cooldown to pass",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Tracker reads and publishes the shared cooldown in Redis.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a cooldown tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// Cooldown retrieves the current shared cooldown state. A missing key means
// no cooldown is active.
func (t *Tracker) Cooldown(ctx context.Context) (State, error) {
	millis, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil {
		if err == redis.Nil {
			return State{}, nil
		}
		return State{}, fmt.Errorf("get cooldown: %w", err)
	}
	return State{Until: time.UnixMilli(millis)}, nil
}

// Observe records a response. Throttling statuses carrying a Retry-After
// extend the shared cooldown; the longer deadline always wins.
func (t *Tracker) Observe(ctx context.Context, status int, retryAfter time.Duration) error {
	if !Throttling(status) || retryAfter <= 0 {
		return nil
	}

	until := time.Now().Add(retryAfter)

	current, err := t.Cooldown(ctx)
	if err != nil {
		return err
	}
	if current.Until.After(until) {
		return nil
	}

	ttl := retryAfter + time.Second
	if err := t.redis.Set(ctx, RedisKeyCooldownUntil, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("store cooldown: %w", err)
	}

	throttleCooldownsTotal.Inc()
	t.logger.Warn().
		Int("status", status).
		Time("until", until).
		Msg("Remote throttling - shared cooldown established")

	return nil
}

// Wait blocks until any active cooldown has passed or the context is done.
// Redis errors are logged and treated as no cooldown so a cache outage never
// stalls dispatch.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.Cooldown(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Cooldown lookup failed - proceeding")
		return nil
	}

	remaining := state.Remaining(time.Now())
	if remaining <= 0 {
		return nil
	}

	throttleWaitSeconds.Observe(remaining.Seconds())
	t.logger.Info().
		Dur("wait", remaining).
		Msg("Holding dispatch for shared cooldown")

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
