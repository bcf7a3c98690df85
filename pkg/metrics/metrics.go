// Package metrics provides the centralized Prometheus registry for the batch
// client. All metrics are defined in their respective packages (client, batch,
// pagination, cache, throttle, token) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the batch client.
// All metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - batch_requests_total{endpoint, status} (Counter): Outbound requests by endpoint and HTTP status
//   - batch_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - batch_call_retries_total{reason} (Counter): Whole-call retry attempts (network, status)
//   - batch_call_retry_exhausted_total{reason} (Counter): Calls that exhausted the retry ceiling
//
// Dispatch Metrics (pkg/batch):
//   - batch_dispatch_total{mode} (Counter): Top-level batch calls by mode (strict, partial)
//   - batch_chunks_total (Counter): Chunks dispatched to the batch endpoint
//   - batch_subrequest_retries_total (Counter): Subrequests re-dispatched after a retryable status
//   - batch_partial_errors_total{stage} (Counter): Best-effort ledger entries by stage
//
// Pagination Metrics (pkg/pagination):
//   - batch_pagination_pages_total (Counter): Follow-up pages fetched while resolving next links
//   - batch_pagination_failures_total{reason} (Counter): Pagination failures (external_link, pages_exceeded, not_json, fetch)
//
// Cache Metrics (pkg/cache):
//   - batch_cache_hits_total (Counter): Page cache hits
//   - batch_cache_misses_total (Counter): Page cache misses
//   - batch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Throttle Metrics (pkg/throttle):
//   - batch_throttle_cooldowns_total (Counter): Cooldowns established from throttling responses
//   - batch_throttle_wait_seconds (Histogram): Time spent waiting for a shared cooldown to pass
//
// Token Metrics (pkg/token):
//   - batch_token_refresh_total{outcome} (Counter): Credential refreshes by outcome (success, failure)
//   - batch_token_refresh_coalesced_total (Counter): Callers that joined an in-flight refresh
//
// Example Prometheus Queries:
//
//   # Partial Degradation Rate
//   sum(rate(batch_partial_errors_total[5m])) by (stage)
//
//   # Subrequest Retry Pressure
//   rate(batch_subrequest_retries_total[5m]) / rate(batch_chunks_total[5m])
//
//   # Cache Hit Rate
//   sum(rate(batch_cache_hits_total[5m])) /
//   (sum(rate(batch_cache_hits_total[5m])) + sum(rate(batch_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(batch_request_duration_seconds_bucket[5m]))
