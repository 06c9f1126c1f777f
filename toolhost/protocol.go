// Package toolhost implements the Subprocess Tool Host (spec §4.L): an
// out-of-process executor for side-effectful or untrusted tools, speaking a
// small JSON protocol over stdin/stdout in two modes — single-shot
// (--run <plugin_path> <aid>, one request in, one response out, exit) and
// serve (--serve <plugin_path>, one NDJSON request/response pair per line,
// for the lifetime of the process).
package toolhost

import "encoding/json"

// Request is one dispatch request, read from stdin (spec §4.L "Request
// shape").
type Request struct {
	AID string `json:"aid"`
	// InputJSON is the tool's input payload, JSON-encoded. Defaults to "{}".
	InputJSON string `json:"input_json,omitempty"`
	// DSState is the caller's DSState view: a full snapshot when Delta is
	// false/omitted, or a sparse overlay (only the slots the caller wants to
	// push down) when Delta is true.
	DSState        *DSStateWire `json:"ds_state,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	LeaseToken     string       `json:"_lease_token,omitempty"`
}

// Status is the outcome discriminator in a Response (spec §4.L "Response
// shape").
type Status string

const (
	StatusOK           Status = "OK"
	StatusInvalidPick  Status = "INVALID_PICK"
	StatusToolError    Status = "TOOL_ERROR"
	StatusBreakerTrip  Status = "BREAKER_TRIP"
)

// Response is written to stdout for each Request.
type Response struct {
	OK            bool         `json:"ok"`
	Status        Status       `json:"status"`
	OutputJSON    string       `json:"output_json,omitempty"`
	Error         string       `json:"error,omitempty"`
	DSState       *DSStateWire `json:"ds_state,omitempty"`
	IdempotentHit bool         `json:"idempotent_hit,omitempty"`
}

// rawArtifact mirrors state.Artifact's JSON shape without importing package
// state's internal layout assumptions, so the wire format is stable even if
// DSState's in-memory representation changes.
type rawArtifact struct {
	Type       string `json:"type"`
	Provenance string `json:"provenance"`
	Content    string `json:"content"`
	Size       int    `json:"size"`
}

// DSStateWire is the wire encoding of a DSState: either a full 8-slot
// snapshot (Delta false) or a sparse overlay (Delta true) where a nil slot
// means "leave this slot untouched" rather than "empty this slot".
type DSStateWire struct {
	Delta bool            `json:"delta,omitempty"`
	Slots [8]*rawArtifact `json:"slots"`
}

// MarshalRequest/MarshalResponse exist only so callers don't need to depend
// on encoding/json directly for the common case; both are thin wrappers.
func MarshalRequest(r Request) ([]byte, error)   { return json.Marshal(r) }
func MarshalResponse(r Response) ([]byte, error) { return json.Marshal(r) }
