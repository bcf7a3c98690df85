// Command batch-proxy exposes the batch execution engine over HTTP.
//
// POST /batch accepts a request set plus options and returns the aggregated
// result. /health, /ready, and /metrics serve the usual operational surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tfrahmen/batch-client/pkg/batch"
	"github.com/tfrahmen/batch-client/pkg/cache"
	"github.com/tfrahmen/batch-client/pkg/client"
	"github.com/tfrahmen/batch-client/pkg/logging"
	"github.com/tfrahmen/batch-client/pkg/pagination"
	"github.com/tfrahmen/batch-client/pkg/throttle"
	"github.com/tfrahmen/batch-client/pkg/token"
)

type config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	BaseURL      string `env:"BASE_URL,required"`
	TokenURL     string `env:"TOKEN_URL,required"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
	Scope        string `env:"SCOPE"`
	UserAgent    string `env:"USER_AGENT" envDefault:"batch-proxy/0.1.0"`

	// RedisURL enables the shared page cache and cooldown. Optional.
	RedisURL string `env:"REDIS_URL"`

	MaxAttempts          int `env:"MAX_ATTEMPTS" envDefault:"4"`
	MaxPerCall           int `env:"MAX_PER_CALL" envDefault:"20"`
	MaxSubrequestRetries int `env:"MAX_SUBREQUEST_RETRIES" envDefault:"3"`
	MaxPages             int `env:"MAX_PAGES" envDefault:"100"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		return
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisURL).Msg("Redis unreachable")
		}
		logger.Info().Str("addr", cfg.RedisURL).Msg("Connected to Redis")
	}

	dispatcher, err := buildDispatcher(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build dispatcher")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/batch", batchHandler(dispatcher, logging.NewLogger("batch-proxy")))

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("Starting batch proxy")

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func buildDispatcher(cfg config, redisClient *redis.Client) (*batch.Dispatcher, error) {
	provider, err := token.New(token.Config{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	clientCfg := client.Config{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		TokenProvider: provider,
		UserAgent:     cfg.UserAgent,
		MaxAttempts:   cfg.MaxAttempts,
	}
	if redisClient != nil {
		clientCfg.Cache = cache.NewManager(redisClient)
		clientCfg.Throttle = throttle.NewTracker(redisClient, logging.NewLogger("throttle"))
	}

	c, err := client.New(clientCfg)
	if err != nil {
		return nil, err
	}

	pagCfg := pagination.DefaultConfig()
	pagCfg.MaxPages = cfg.MaxPages

	return batch.New(c, batch.Config{
		MaxPerCall:           cfg.MaxPerCall,
		MaxSubrequestRetries: cfg.MaxSubrequestRetries,
		Pagination:           pagCfg,
	}), nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, "redis unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// batchRequest is the wire shape POST /batch accepts.
type batchRequest struct {
	Requests     []batch.Request `json:"requests"`
	Mode         batch.Mode      `json:"mode,omitempty"`
	NoPagination bool            `json:"noPagination,omitempty"`
}

func batchHandler(dispatcher *batch.Dispatcher, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()

		result, err := dispatcher.Do(ctx, req.Requests, batch.Options{
			Mode:         req.Mode,
			NoPagination: req.NoPagination,
		})
		if err != nil {
			status := classifyStatus(err)
			logger.Warn().Err(err).Int("status", status).Msg("Batch call failed")
			writeError(w, status, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

func classifyStatus(err error) int {
	var oe *client.OriginError
	switch {
	case errors.Is(err, batch.ErrNoRequests), errors.As(err, &oe):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
