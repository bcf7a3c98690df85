package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tfrahmen/batch-client/pkg/client"
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_pagination_pages_total",
		Help: "Follow-up pages fetched while resolving next links",
	})

	paginationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_pagination_failures_total",
		Help: "Pagination failures by reason",
	}, []string{"reason"}) // "external_link", "pages_exceeded", "not_json", "fetch"
)

// Sentinel errors for pagination failures.
var (
	// ErrPagesExceeded is returned when a next-link chain outgrows the
	// configured page ceiling.
	ErrPagesExceeded = errors.New("pagination page ceiling exceeded")

	// ErrPageNotJSON is returned when a follow-up page body is not a
	// structured object.
	ErrPageNotJSON = errors.New("pagination page body is not a json object")
)

// ExternalLinkError is returned when a next link points outside the service
// origin. This is a security boundary, not a transient condition; it is
// never retried and no call is made to the foreign origin.
type ExternalLinkError struct {
	URL string
}

func (e *ExternalLinkError) Error() string {
	return fmt.Sprintf("next link %q points outside the configured origin", e.URL)
}

// Config holds follower configuration.
type Config struct {
	// MaxPages caps the total pages aggregated per response, including
	// the first one. Defaults to 100.
	MaxPages int

	// NextLinkField is the body field carrying the cursor.
	// Defaults to "@odata.nextLink".
	NextLinkField string

	// ValueField is the body field carrying the list.
	// Defaults to "value".
	ValueField string
}

// DefaultConfig returns the follower defaults.
func DefaultConfig() Config {
	return Config{
		MaxPages:      100,
		NextLinkField: "@odata.nextLink",
		ValueField:    "value",
	}
}

// Page is one subresponse handed over by the dispatcher. Body is mutated in
// place when aggregation succeeds or partially succeeds.
type Page struct {
	ID     string
	Method string
	Status int
	Body   *json.RawMessage
}

// ReportFunc receives best-effort pagination failures. A nil ReportFunc
// switches ExpandAll to strict behavior: the first failure is returned.
type ReportFunc func(id string, err error)

// Follower resolves next-link cursors through the authenticated client.
type Follower struct {
	client *client.Client
	cfg    Config
	logger zerolog.Logger
}

// NewFollower creates a Follower.
func NewFollower(c *client.Client, cfg Config) *Follower {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.NextLinkField == "" {
		cfg.NextLinkField = "@odata.nextLink"
	}
	if cfg.ValueField == "" {
		cfg.ValueField = "value"
	}

	return &Follower{
		client: c,
		cfg:    cfg,
		logger: log.With().Str("component", "pagination").Logger(),
	}
}

// ExpandAll walks the stabilized response list and aggregates every eligible
// entry: a read (GET) subrequest with a 2xx status whose body is an object
// carrying both the list field and a next link. Other entries are left
// untouched.
func (f *Follower) ExpandAll(ctx context.Context, pages []Page, report ReportFunc) error {
	for _, p := range pages {
		if err := f.expand(ctx, p); err != nil {
			if report == nil {
				return err
			}
			report(p.ID, err)
		}
	}
	return nil
}

// expand aggregates one response in place. On failure the body keeps the
// pages collected so far with the unresolved next link restored, so the
// caller can resume later.
func (f *Follower) expand(ctx context.Context, p Page) error {
	if p.Body == nil || p.Status < 200 || p.Status >= 300 {
		return nil
	}
	if p.Method != "" && p.Method != http.MethodGet {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(*p.Body, &obj); err != nil {
		return nil
	}

	valueRaw, hasValue := obj[f.cfg.ValueField]
	nextRaw, hasNext := obj[f.cfg.NextLinkField]
	if !hasValue || !hasNext {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(valueRaw, &items); err != nil {
		return nil
	}
	var next string
	if err := json.Unmarshal(nextRaw, &next); err != nil || next == "" {
		return nil
	}

	fetched := 1
	var failure error

	for next != "" {
		if fetched >= f.cfg.MaxPages {
			paginationFailuresTotal.WithLabelValues("pages_exceeded").Inc()
			failure = ErrPagesExceeded
			break
		}

		ok, err := f.client.Origin().SameOrigin(next)
		if err != nil || !ok {
			paginationFailuresTotal.WithLabelValues("external_link").Inc()
			f.logger.Warn().Str("id", p.ID).Str("url", next).Msg("Rejected external next link")
			failure = &ExternalLinkError{URL: next}
			break
		}

		abs, err := f.client.Origin().Resolve(next)
		if err != nil {
			failure = &ExternalLinkError{URL: next}
			break
		}

		raw, err := f.client.Get(ctx, abs)
		if err != nil {
			paginationFailuresTotal.WithLabelValues("fetch").Inc()
			failure = err
			break
		}
		pagesFetchedTotal.Inc()
		fetched++

		var page map[string]json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil {
			paginationFailuresTotal.WithLabelValues("not_json").Inc()
			failure = ErrPageNotJSON
			break
		}

		if pageValue, ok := page[f.cfg.ValueField]; ok {
			var pageItems []json.RawMessage
			if err := json.Unmarshal(pageValue, &pageItems); err != nil {
				paginationFailuresTotal.WithLabelValues("not_json").Inc()
				failure = ErrPageNotJSON
				break
			}
			items = append(items, pageItems...)
		}

		next = ""
		if pageNext, ok := page[f.cfg.NextLinkField]; ok {
			var link string
			if err := json.Unmarshal(pageNext, &link); err == nil {
				next = link
			}
		}
	}

	merged, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode aggregated list: %w", err)
	}
	obj[f.cfg.ValueField] = merged

	if failure != nil {
		link, err := json.Marshal(next)
		if err == nil {
			obj[f.cfg.NextLinkField] = link
		}
	} else {
		delete(obj, f.cfg.NextLinkField)
	}

	rebuilt, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode aggregated body: %w", err)
	}
	*p.Body = rebuilt

	if failure == nil {
		f.logger.Debug().Str("id", p.ID).Int("pages", fetched).Msg("Pagination complete")
	}
	return failure
}
