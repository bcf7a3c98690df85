package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tfrahmen/batch-client/pkg/backoff"
	"github.com/tfrahmen/batch-client/pkg/client"
	"github.com/tfrahmen/batch-client/pkg/httputil"
	"github.com/tfrahmen/batch-client/pkg/pagination"
	"github.com/tfrahmen/batch-client/pkg/token"
)

// Prometheus metrics for batch dispatch.
var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_dispatch_total",
		Help: "Top-level batch calls by mode",
	}, []string{"mode"})

	chunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_chunks_total",
		Help: "Chunks dispatched to the batch endpoint",
	})

	subrequestRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_subrequest_retries_total",
		Help: "Individual subrequests re-dispatched after a retryable status",
	})

	partialErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_partial_errors_total",
		Help: "Ledger entries recorded in best-effort mode by stage",
	}, []string{"stage"})
)

// Config holds the dispatcher configuration.
type Config struct {
	// BatchPath is the batch endpoint, relative to the service root.
	// Defaults to "/$batch".
	BatchPath string

	// MaxPerCall caps subrequests per batch call. Defaults to 20.
	MaxPerCall int

	// MaxSubrequestRetries is the per-subrequest re-dispatch ceiling.
	// Defaults to 3.
	MaxSubrequestRetries int

	// Backoff drives the shared delay between retry rounds when no
	// Retry-After is present.
	Backoff *backoff.Calculator

	// Pagination configures the next-link follower.
	Pagination pagination.Config
}

// Dispatcher is the batch execution engine.
type Dispatcher struct {
	client *client.Client
	pager  *pagination.Follower
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates a Dispatcher on top of an authenticated client.
func New(c *client.Client, cfg Config) *Dispatcher {
	if cfg.BatchPath == "" {
		cfg.BatchPath = "/$batch"
	}
	if cfg.MaxPerCall <= 0 {
		cfg.MaxPerCall = 20
	}
	if cfg.MaxSubrequestRetries <= 0 {
		cfg.MaxSubrequestRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}

	// Materialize both mode series so scrapes see the counter at zero.
	for _, m := range []Mode{ModeStrict, ModePartial} {
		dispatchTotal.WithLabelValues(string(m))
	}

	return &Dispatcher{
		client: c,
		pager:  pagination.NewFollower(c, cfg.Pagination),
		cfg:    cfg,
		logger: log.With().Str("component", "batch-dispatcher").Logger(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// SetSleep replaces the retry-round sleep (for testing).
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, t time.Duration) error) {
	d.sleep = fn
}

// Do executes one batched call. In strict mode the first unrecoverable
// condition aborts with an error; in best-effort mode retry exhaustion,
// pagination failures, and offline outages degrade to ledger entries and
// synthetic 599 responses, and every submitted id is present in the result.
func (d *Dispatcher) Do(ctx context.Context, reqs []Request, opts Options) (*Result, error) {
	if reqs == nil {
		return nil, ErrNoRequests
	}
	if opts.Mode == "" {
		opts.Mode = ModePartial
	}
	dispatchTotal.WithLabelValues(string(opts.Mode)).Inc()

	result := &Result{Responses: make(map[string]*Response)}

	for start := 0; start < len(reqs); start += d.cfg.MaxPerCall {
		end := start + d.cfg.MaxPerCall
		if end > len(reqs) {
			end = len(reqs)
		}

		cr, err := d.runChunk(ctx, reqs[start:end], opts)
		if err != nil {
			return nil, err
		}

		for id, resp := range cr.responses {
			result.Responses[id] = resp
		}
		result.Errors = append(result.Errors, cr.errors...)
		result.Partial = result.Partial || cr.partial
	}

	// First-occurrence order, duplicates collapsed to one slot.
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if resp, ok := result.Responses[r.ID]; ok {
			result.ResponseList = append(result.ResponseList, resp)
		}
	}

	return result, nil
}

// chunkResult carries one chunk's outcome back to Do.
type chunkResult struct {
	responses map[string]*Response
	errors    []PartialError
	partial   bool
}

func (cr *chunkResult) record(e PartialError) {
	partialErrorsTotal.WithLabelValues(string(e.Stage)).Inc()
	cr.errors = append(cr.errors, e)
	cr.partial = true
}

// runChunk drives the chunk state machine: preflight, initial dispatch,
// per-subrequest retry loop, pagination.
func (d *Dispatcher) runChunk(ctx context.Context, chunk []Request, opts Options) (*chunkResult, error) {
	strict := opts.Mode == ModeStrict
	cr := &chunkResult{responses: make(map[string]*Response, len(chunk))}

	// Preflight: same-origin for every subrequest URL.
	surviving := make([]Request, 0, len(chunk))
	for _, r := range chunk {
		ok, err := d.client.Origin().SameOrigin(r.URL)
		if err == nil && ok {
			surviving = append(surviving, r)
			continue
		}
		if strict {
			return nil, &client.OriginError{URL: r.URL}
		}
		d.logger.Warn().Str("id", r.ID).Str("url", r.URL).Msg("Dropped off-origin subrequest")
		cr.responses[r.ID] = syntheticResponse(r.ID, StageSubrequest)
		cr.record(PartialError{
			Stage:   StageSubrequest,
			ID:      r.ID,
			Type:    "origin_mismatch",
			Message: (&client.OriginError{URL: r.URL}).Error(),
			URL:     r.URL,
		})
	}

	if len(surviving) == 0 {
		return cr, nil
	}

	// Initial dispatch.
	resps, err := d.dispatchCall(ctx, surviving)
	if err != nil {
		return d.handleDispatchFailure(cr, surviving, err, strict)
	}
	d.merge(cr.responses, resps)

	// Retry loop: isolate and re-dispatch only retryable subresponses.
	if err := d.retryLoop(ctx, cr, surviving, strict); err != nil {
		return nil, err
	}

	// Pagination over the stabilized responses.
	if !opts.NoPagination {
		pages := make([]pagination.Page, 0, len(surviving))
		for _, r := range surviving {
			resp := cr.responses[r.ID]
			if resp == nil {
				continue
			}
			pages = append(pages, pagination.Page{
				ID:     r.ID,
				Method: normalizeMethod(r.Method),
				Status: resp.Status,
				Body:   &resp.Body,
			})
		}

		var report pagination.ReportFunc
		if !strict {
			report = func(id string, err error) {
				cr.record(PartialError{
					Stage:   StagePagination,
					ID:      id,
					Type:    errorType(err),
					Message: err.Error(),
					Status:  errorStatus(err),
				})
			}
		}
		if err := d.pager.ExpandAll(ctx, pages, report); err != nil {
			return nil, err
		}
	}

	// Fill any id the remote never answered for.
	for _, r := range chunk {
		if cr.responses[r.ID] == nil {
			cr.responses[r.ID] = syntheticResponse(r.ID, StageBatch)
		}
	}

	return cr, nil
}

// retryLoop re-dispatches retryable subresponses until they stabilize or
// exhaust the per-subrequest ceiling.
func (d *Dispatcher) retryLoop(ctx context.Context, cr *chunkResult, surviving []Request, strict bool) error {
	byID := make(map[string]Request, len(surviving))
	for _, r := range surviving {
		byID[r.ID] = r
	}

	attempts := make(map[string]int, len(surviving))
	pending := d.pendingIDs(cr.responses, surviving, nil)

	for len(pending) > 0 {
		var exhausted, retryable []string
		for _, id := range pending {
			if attempts[id] >= d.cfg.MaxSubrequestRetries {
				exhausted = append(exhausted, id)
			} else {
				retryable = append(retryable, id)
			}
		}

		for _, id := range exhausted {
			status := StatusUnreachable
			if resp := cr.responses[id]; resp != nil {
				status = resp.Status
			}
			if strict {
				return &SubrequestRetryError{ID: id, Status: status}
			}
			if cr.responses[id] == nil {
				cr.responses[id] = syntheticResponse(id, StageSubrequest)
			}
			cr.record(PartialError{
				Stage:   StageSubrequest,
				ID:      id,
				Type:    "retry_exhausted",
				Message: (&SubrequestRetryError{ID: id, Status: status}).Error(),
				Status:  status,
			})
		}

		if len(retryable) == 0 {
			return nil
		}

		// One shared delay: the slowest Retry-After wins; without one,
		// the calculator keyed on the group's highest attempt count.
		var maxRetryAfter time.Duration
		maxAttempt := 0
		for _, id := range retryable {
			if resp := cr.responses[id]; resp != nil {
				if ra := httputil.RetryAfter(resp.Headers, d.now()); ra > maxRetryAfter {
					maxRetryAfter = ra
				}
			}
			if attempts[id]+1 > maxAttempt {
				maxAttempt = attempts[id] + 1
			}
		}
		delay := maxRetryAfter
		if delay <= 0 {
			delay = d.cfg.Backoff.Delay(maxAttempt)
		}

		d.logger.Debug().
			Int("pending", len(retryable)).
			Dur("delay", delay).
			Msg("Retrying failed subrequests")
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}

		subset := make([]Request, 0, len(retryable))
		for _, id := range retryable {
			attempts[id]++
			subset = append(subset, byID[id])
		}
		subrequestRetriesTotal.Add(float64(len(subset)))

		resps, err := d.dispatchCall(ctx, subset)
		if err != nil {
			if _, ferr := d.handleDispatchFailure(cr, subset, err, strict); ferr != nil {
				return ferr
			}
			return nil
		}
		d.merge(cr.responses, resps)

		pending = d.pendingIDs(cr.responses, subset, retryable)
	}

	return nil
}

// pendingIDs returns the ids from scope whose responses still carry a
// retryable status. Missing responses count as retryable (defensive default)
// when they were part of the previous round.
func (d *Dispatcher) pendingIDs(responses map[string]*Response, scope []Request, previous []string) []string {
	prev := make(map[string]bool, len(previous))
	for _, id := range previous {
		prev[id] = true
	}

	var pending []string
	for _, r := range scope {
		resp := responses[r.ID]
		if resp == nil {
			if prev[r.ID] {
				pending = append(pending, r.ID)
			}
			continue
		}
		if d.client.RetryableStatus(resp.Status) {
			pending = append(pending, r.ID)
		}
	}
	return pending
}

// handleDispatchFailure classifies a batch-endpoint failure. Only
// offline-class errors are eligible for the best-effort swallow path;
// everything else propagates regardless of mode.
func (d *Dispatcher) handleDispatchFailure(cr *chunkResult, affected []Request, err error, strict bool) (*chunkResult, error) {
	if !client.IsOffline(err) {
		return nil, err
	}
	if strict {
		return nil, err
	}

	stage := StageBatch
	if token.IsTokenError(err) {
		stage = StageAuth
	}

	d.logger.Warn().Err(err).Str("stage", string(stage)).Msg("Offline failure - degrading to partial result")

	for _, r := range affected {
		cr.responses[r.ID] = syntheticResponse(r.ID, stage)
	}
	cr.record(PartialError{
		Stage:   stage,
		Type:    "offline",
		Message: err.Error(),
		Code:    offlineCode(err),
	})

	return cr, nil
}

// dispatchCall issues one batch-endpoint call for the given entries and
// returns the normalized subresponses.
func (d *Dispatcher) dispatchCall(ctx context.Context, entries []Request) ([]Response, error) {
	if len(entries) > d.cfg.MaxPerCall {
		return nil, ErrSizeExceeded
	}

	type wireRequest struct {
		ID      string            `json:"id"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    any               `json:"body,omitempty"`
	}

	payload := struct {
		Requests []wireRequest `json:"requests"`
	}{Requests: make([]wireRequest, 0, len(entries))}

	for _, r := range entries {
		rel, err := d.client.Origin().Relative(r.URL)
		if err != nil {
			return nil, &client.OriginError{URL: r.URL}
		}
		payload.Requests = append(payload.Requests, wireRequest{
			ID:      r.ID,
			Method:  normalizeMethod(r.Method),
			URL:     rel,
			Headers: httputil.NormalizeHeaders(r.Headers),
			Body:    r.Body,
		})
	}

	chunksTotal.Inc()
	raw, err := d.client.RequestJSON(ctx, http.MethodPost, d.cfg.BatchPath, nil, payload)
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ErrInvalidShape
	}
	respsRaw, ok := envelope["responses"]
	if !ok {
		return nil, ErrInvalidShape
	}

	var resps []Response
	if err := json.Unmarshal(respsRaw, &resps); err != nil {
		return nil, ErrInvalidShape
	}

	for i := range resps {
		resps[i].Headers = httputil.NormalizeHeaders(resps[i].Headers)
	}
	return resps, nil
}

// merge folds subresponses into the chunk map, last write wins.
func (d *Dispatcher) merge(into map[string]*Response, resps []Response) {
	for i := range resps {
		r := resps[i]
		into[r.ID] = &r
	}
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

func offlineCode(err error) string {
	// Best effort only; the ledger stays useful without it.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
