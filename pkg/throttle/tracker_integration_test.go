//go:build integration

package throttle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_ObserveAndCooldown(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	// No cooldown initially.
	state, err := tracker.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if state.Active(time.Now()) {
		t.Error("cooldown should be inactive on empty state")
	}

	// 429 with Retry-After establishes one.
	if err := tracker.Observe(ctx, 429, 2*time.Second); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	state, err = tracker.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if !state.Active(time.Now()) {
		t.Error("cooldown should be active after throttling response")
	}

	// A shorter deadline must not shrink the cooldown.
	longer := state.Until
	if err := tracker.Observe(ctx, 503, 100*time.Millisecond); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	state, _ = tracker.Cooldown(ctx)
	if state.Until.Before(longer) {
		t.Errorf("cooldown shrank: %v < %v", state.Until, longer)
	}
}

func TestTracker_Integration_NonThrottlingIgnored(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := tracker.Observe(ctx, 500, 5*time.Second); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	state, err := tracker.Cooldown(ctx)
	if err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if state.Active(time.Now()) {
		t.Error("500 must not establish a cooldown")
	}
}

func TestTracker_Integration_WaitBlocksUntilDeadline(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := tracker.Observe(ctx, 429, 300*time.Millisecond); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= cooldown", elapsed)
	}
}
