// Package batch splits request sets into capacity-bounded chunks, dispatches
// them against the remote batch endpoint with two-level retry, and aggregates
// per-subrequest results into a best-effort or strict outcome.
package batch

import (
	"encoding/json"
	"fmt"
)

// Mode selects the failure policy for one call.
type Mode string

const (
	// ModeStrict aborts on the first unrecoverable condition.
	ModeStrict Mode = "strict"

	// ModePartial degrades retry exhaustion, pagination failures, and
	// offline outages into ledger entries plus synthetic responses.
	ModePartial Mode = "partial"
)

// StatusUnreachable marks a synthesized response for a subrequest that never
// produced a real one.
const StatusUnreachable = 599

// Request is one logical subrequest. Caller-owned; the engine never mutates
// it and keeps no reference past the call.
type Request struct {
	// ID correlates the subrequest across chunking, retries, and
	// pagination. Duplicate ids within one call fold into a single slot.
	ID string `json:"id"`

	// Method defaults to GET and is uppercased on the wire.
	Method string `json:"method"`

	// URL may be absolute (same origin enforced) or relative to the
	// service root.
	URL string `json:"url"`

	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Response is one subresponse, remote or synthesized. Header keys are
// normalized to lowercase.
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Stage identifies where in the pipeline a partial failure happened.
type Stage string

const (
	StageSubrequest Stage = "subrequest"
	StagePagination Stage = "pagination"
	StageAuth       Stage = "auth"
	StageBatch      Stage = "batch"
)

// PartialError is one entry in the best-effort ledger.
type PartialError struct {
	Stage   Stage  `json:"stage"`
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Result is the outcome of one Do call.
type Result struct {
	// Responses maps every submitted id to its response, real or
	// synthetic.
	Responses map[string]*Response `json:"responses"`

	// ResponseList preserves first-occurrence submission order.
	ResponseList []*Response `json:"responseList"`

	// Partial is set when any chunk degraded in best-effort mode.
	Partial bool `json:"partial,omitempty"`

	// Errors is the best-effort ledger. Empty in strict mode.
	Errors []PartialError `json:"errors,omitempty"`
}

// Options control one Do call. The zero value means best-effort mode with
// pagination enabled.
type Options struct {
	// Mode defaults to ModePartial.
	Mode Mode

	// NoPagination disables next-link aggregation.
	NoPagination bool
}

// syntheticResponse fills the slot of a subrequest that produced no real
// response, tagged with the failing stage.
func syntheticResponse(id string, stage Stage) *Response {
	return &Response{
		ID:     id,
		Status: StatusUnreachable,
		Body:   json.RawMessage(fmt.Sprintf(`{"stage":%q}`, stage)),
	}
}
