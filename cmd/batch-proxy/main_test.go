package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tfrahmen/batch-client/internal/testutil"
	"github.com/tfrahmen/batch-client/pkg/batch"
	"github.com/tfrahmen/batch-client/pkg/logging"
)

func newTestDispatcher(t *testing.T) (*batch.Dispatcher, *testutil.MockAPI) {
	t.Helper()

	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	cfg := config{
		BaseURL:              mock.URL(),
		TokenURL:             mock.TokenURL(),
		UserAgent:            "batch-proxy-test/1.0",
		MaxAttempts:          2,
		MaxPerCall:           20,
		MaxSubrequestRetries: 1,
		MaxPages:             10,
	}

	dispatcher, err := buildDispatcher(cfg, nil)
	if err != nil {
		t.Fatalf("buildDispatcher() error = %v", err)
	}
	return dispatcher, mock
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("without_redis", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(nil)(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 when redis is not configured", w.Result().StatusCode)
		}
	})

	t.Run("redis_down", func(t *testing.T) {
		// No server listens here.
		dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer dead.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(dead)(w, req)

		if w.Result().StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503 when redis is down", w.Result().StatusCode)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	// Building a dispatcher registers all engine metrics.
	if _, mock := newTestDispatcher(t); mock == nil {
		t.Fatal("mock not created")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	promhttp.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("expected Prometheus exposition format")
	}
	if !strings.Contains(bodyStr, "batch_dispatch_total") {
		t.Error("expected batch_dispatch_total in metrics output")
	}
}

func TestBatchHandler(t *testing.T) {
	dispatcher, mock := newTestDispatcher(t)
	handler := batchHandler(dispatcher, logging.NewLogger("test"))

	t.Run("method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/batch", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Result().StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Result().StatusCode)
		}
	})

	t.Run("malformed_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/batch", strings.NewReader("{not json"))
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Result().StatusCode)
		}
	})

	t.Run("missing_requests", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/batch", strings.NewReader(`{}`))
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 for a nil request list", w.Result().StatusCode)
		}
	})

	t.Run("dispatches", func(t *testing.T) {
		mock.Script("a", testutil.SubResponse{Status: 200, Body: `{"name":"alpha"}`})

		payload := `{"requests":[{"id":"a","url":"/users/1"}]}`
		req := httptest.NewRequest("POST", "/batch", strings.NewReader(payload))
		w := httptest.NewRecorder()

		handler(w, req)

		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var result batch.Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if got := result.Responses["a"]; got == nil || got.Status != 200 {
			t.Errorf("Responses[a] = %+v, want status 200", got)
		}
		if len(mock.GetBatchCalls()) != 1 {
			t.Errorf("batch calls = %d, want 1", len(mock.GetBatchCalls()))
		}
	})
}
