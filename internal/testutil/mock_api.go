// Package testutil provides testing utilities for the batch client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// SubResponse is one canned subresponse the batch endpoint serves for an id.
// When an id has a sequence, each dispatch consumes the next entry; the last
// entry repeats.
type SubResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// MockAPI is a configurable mock remote service: a token endpoint, a batch
// endpoint, and arbitrary page handlers for pagination follow-ups.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	scripts  map[string][]SubResponse
	served   map[string]int

	// Tracking
	RequestCount      int
	TokenRequestCount int
	BatchCalls        [][]string
	LastRequestHeader http.Header
}

// NewMockAPI creates a mock service. The token endpoint answers at /token and
// the batch endpoint at /$batch; everything else falls through to registered
// handlers or a default 200.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		scripts:  make(map[string][]SubResponse),
		served:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		switch r.URL.Path {
		case "/token":
			mock.tokenHandler(w, r)
			return
		case "/$batch":
			mock.batchHandler(w, r)
			return
		}

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()
		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the credential endpoint URL.
func (m *MockAPI) TokenURL() string {
	return m.server.URL + "/token"
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters and scripted state.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TokenRequestCount = 0
	m.BatchCalls = nil
	m.LastRequestHeader = nil
	m.served = make(map[string]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// Script sets the subresponse sequence the batch endpoint serves for an id.
func (m *MockAPI) Script(id string, seq ...SubResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[id] = seq
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetBatchCalls returns the id list of every batch dispatch so far.
func (m *MockAPI) GetBatchCalls() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([][]string, len(m.BatchCalls))
	copy(calls, m.BatchCalls)
	return calls
}

// GetTokenRequestCount returns the number of credential exchanges.
func (m *MockAPI) GetTokenRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenRequestCount
}

func (m *MockAPI) tokenHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenRequestCount++
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"access_token":"mock-token","expires_in":3600,"token_type":"Bearer"}`)
}

func (m *MockAPI) batchHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Requests []struct {
			ID string `json:"id"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"malformed batch payload"}`)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(payload.Requests))
	resps := make([]map[string]any, 0, len(payload.Requests))
	for _, req := range payload.Requests {
		ids = append(ids, req.ID)

		sub := SubResponse{Status: http.StatusOK, Body: `{"ok":true}`}
		if seq, ok := m.scripts[req.ID]; ok && len(seq) > 0 {
			idx := m.served[req.ID]
			if idx >= len(seq) {
				idx = len(seq) - 1
			}
			sub = seq[idx]
			m.served[req.ID]++
		}

		entry := map[string]any{"id": req.ID, "status": sub.Status}
		if sub.Headers != nil {
			entry["headers"] = sub.Headers
		}
		if sub.Body != "" {
			entry["body"] = json.RawMessage(sub.Body)
		}
		resps = append(resps, entry)
	}
	m.BatchCalls = append(m.BatchCalls, ids)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"responses": resps})
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

// NewListPage builds a page body with a list and an optional next link.
func NewListPage(items string, nextLink string) string {
	if nextLink == "" {
		return fmt.Sprintf(`{"value":%s}`, items)
	}
	return fmt.Sprintf(`{"value":%s,"@odata.nextLink":%q}`, items, nextLink)
}

// NewThrottledResponse creates a 429 response carrying a Retry-After hint.
func NewThrottledResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  fmt.Sprintf("%d", retryAfterSeconds),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
