package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tfrahmen/batch-client/pkg/backoff"
	"github.com/tfrahmen/batch-client/pkg/client"
	"github.com/tfrahmen/batch-client/pkg/token"
)

func newTestFollower(t *testing.T, cfg Config, handler http.HandlerFunc) (*Follower, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	provider, err := token.New(token.Config{TokenURL: srv.URL + "/token", HTTPClient: http.DefaultClient})
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}

	c, err := client.New(client.Config{
		BaseURL:       srv.URL,
		HTTPClient:    http.DefaultClient,
		TokenProvider: provider,
		MaxAttempts:   2,
		Backoff:       backoff.New(time.Millisecond, time.Millisecond, 0),
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return NewFollower(c, cfg), srv
}

func rawBody(s string) *json.RawMessage {
	raw := json.RawMessage(s)
	return &raw
}

func decodeBody(t *testing.T, body json.RawMessage) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	return obj
}

func TestExpandAll_AggregatesPages(t *testing.T) {
	f, _ := newTestFollower(t, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "2":
			fmt.Fprint(w, `{"value":[{"id":2}],"@odata.nextLink":"/users?page=3"}`)
		case "3":
			fmt.Fprint(w, `{"value":[{"id":3}]}`)
		default:
			t.Errorf("unexpected page fetch: %s", r.URL.String())
			w.WriteHeader(http.StatusNotFound)
		}
	})

	body := rawBody(`{"value":[{"id":1}],"@odata.nextLink":"/users?page=2"}`)
	pages := []Page{{ID: "r1", Method: "GET", Status: 200, Body: body}}

	if err := f.ExpandAll(context.Background(), pages, nil); err != nil {
		t.Fatalf("ExpandAll() error = %v", err)
	}

	obj := decodeBody(t, *body)
	values, ok := obj["value"].([]any)
	if !ok {
		t.Fatalf("value field missing: %v", obj)
	}
	if len(values) != 3 {
		t.Errorf("aggregated values = %d, want 3", len(values))
	}
	if _, present := obj["@odata.nextLink"]; present {
		t.Error("next link should be removed after full aggregation")
	}
}

func TestExpandAll_IneligibleEntriesUntouched(t *testing.T) {
	f, _ := newTestFollower(t, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no page fetch expected, got %s", r.URL.String())
	})

	tests := []struct {
		name string
		page Page
	}{
		{"post response", Page{ID: "a", Method: "POST", Status: 200, Body: rawBody(`{"value":[],"@odata.nextLink":"/x"}`)}},
		{"error status", Page{ID: "b", Method: "GET", Status: 500, Body: rawBody(`{"value":[],"@odata.nextLink":"/x"}`)}},
		{"no next link", Page{ID: "c", Method: "GET", Status: 200, Body: rawBody(`{"value":[{"id":1}]}`)}},
		{"no list field", Page{ID: "d", Method: "GET", Status: 200, Body: rawBody(`{"@odata.nextLink":"/x"}`)}},
		{"scalar body", Page{ID: "e", Method: "GET", Status: 200, Body: rawBody(`42`)}},
		{"nil body", Page{ID: "f", Method: "GET", Status: 200, Body: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before string
			if tt.page.Body != nil {
				before = string(*tt.page.Body)
			}
			if err := f.ExpandAll(context.Background(), []Page{tt.page}, nil); err != nil {
				t.Fatalf("ExpandAll() error = %v", err)
			}
			if tt.page.Body != nil && string(*tt.page.Body) != before {
				t.Errorf("body mutated: %s -> %s", before, *tt.page.Body)
			}
		})
	}
}

func TestExpandAll_ExternalNextLink(t *testing.T) {
	var fetches atomic.Int64
	f, _ := newTestFollower(t, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
	})

	body := rawBody(`{"value":[{"id":1}],"@odata.nextLink":"https://evil.example.net/users?page=2"}`)
	pages := []Page{{ID: "r1", Method: "GET", Status: 200, Body: body}}

	err := f.ExpandAll(context.Background(), pages, nil)
	var ele *ExternalLinkError
	if !errors.As(err, &ele) {
		t.Fatalf("ExpandAll() error = %v, want *ExternalLinkError", err)
	}
	if fetches.Load() != 0 {
		t.Error("no network call may reach a foreign origin")
	}
}

func TestExpandAll_PageCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPages = 3

	var fetches atomic.Int64
	f, _ := newTestFollower(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		n := fetches.Add(1)
		fmt.Fprintf(w, `{"value":[{"n":%d}],"@odata.nextLink":"/items?page=%d"}`, n, n+2)
	})

	body := rawBody(`{"value":[{"n":0}],"@odata.nextLink":"/items?page=2"}`)
	pages := []Page{{ID: "r1", Method: "GET", Status: 200, Body: body}}

	err := f.ExpandAll(context.Background(), pages, nil)
	if !errors.Is(err, ErrPagesExceeded) {
		t.Fatalf("ExpandAll() error = %v, want ErrPagesExceeded", err)
	}
	// MaxPages=3 means the initial page plus two fetches.
	if got := fetches.Load(); got != 2 {
		t.Errorf("page fetches = %d, want 2", got)
	}
}

func TestExpandAll_NonJSONPage(t *testing.T) {
	f, _ := newTestFollower(t, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	})

	body := rawBody(`{"value":[],"@odata.nextLink":"/items?page=2"}`)
	pages := []Page{{ID: "r1", Method: "GET", Status: 200, Body: body}}

	if err := f.ExpandAll(context.Background(), pages, nil); !errors.Is(err, ErrPageNotJSON) {
		t.Errorf("ExpandAll() error = %v, want ErrPageNotJSON", err)
	}
}

func TestExpandAll_BestEffortRestoresNextLink(t *testing.T) {
	var fetches atomic.Int64
	f, _ := newTestFollower(t, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		switch fetches.Add(1) {
		case 1:
			fmt.Fprint(w, `{"value":[{"id":2}],"@odata.nextLink":"/users?page=3"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"broken cursor"}`)
		}
	})

	body := rawBody(`{"value":[{"id":1}],"@odata.nextLink":"/users?page=2"}`)
	pages := []Page{{ID: "r1", Method: "GET", Status: 200, Body: body}}

	var reportedID string
	var reportedErr error
	err := f.ExpandAll(context.Background(), pages, func(id string, e error) {
		reportedID, reportedErr = id, e
	})
	if err != nil {
		t.Fatalf("best-effort ExpandAll() error = %v", err)
	}
	if reportedID != "r1" {
		t.Errorf("reported id = %q, want r1", reportedID)
	}
	var re *client.RequestError
	if !errors.As(reportedErr, &re) {
		t.Errorf("reported error = %v, want *client.RequestError", reportedErr)
	}

	obj := decodeBody(t, *body)
	values := obj["value"].([]any)
	if len(values) != 2 {
		t.Errorf("partial aggregation = %d items, want 2", len(values))
	}
	link, _ := obj["@odata.nextLink"].(string)
	if !strings.Contains(link, "page=3") {
		t.Errorf("next link = %q, want unresolved cursor restored", link)
	}
}
