// Package runrequest decodes and validates the Run Request JSON object
// (spec §6): the external entry point into the goal loop.
package runrequest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ControlMode mirrors selector.ControlMode's four string values without
// importing package selector, which itself has no reason to depend on the
// wire-decoding concerns of this package.
type ControlMode string

const (
	FallbackOnly ControlMode = "FallbackOnly"
	PolicyOnly   ControlMode = "PolicyOnly"
	Blended      ControlMode = "Blended"
	ShadowPolicy ControlMode = "ShadowPolicy"
)

func (m ControlMode) valid() bool {
	switch m {
	case FallbackOnly, PolicyOnly, Blended, ShadowPolicy:
		return true
	default:
		return false
	}
}

// CapabilityFilter is the optional allow/deny AID pattern list applied to
// menu construction (spec §4.J step 3). Patterns are either exact AID
// strings or a "prefix.*" wildcard.
type CapabilityFilter struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Request is the decoded, validated Run Request.
type Request struct {
	GoalID           string            `json:"goal_id"`
	Inputs           map[string]any    `json:"inputs"`
	CandidateTags    []string          `json:"candidate_tags,omitempty"`
	ControlMode      ControlMode       `json:"control_mode,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
	CapabilityFilter *CapabilityFilter `json:"capability_filter,omitempty"`

	// Extra preserves unknown top-level keys verbatim (spec §6: "Unknown
	// top-level keys are preserved but not interpreted").
	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = map[string]struct{}{
	"goal_id": {}, "inputs": {}, "candidate_tags": {}, "control_mode": {},
	"request_id": {}, "capability_filter": {},
}

// Decode parses raw JSON into a validated Request.
func Decode(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("runrequest: decode: %w", err)
	}
	if req.ControlMode == "" {
		req.ControlMode = FallbackOnly
	}
	if !req.ControlMode.valid() {
		return Request{}, fmt.Errorf("runrequest: decode: invalid control_mode %q", req.ControlMode)
	}
	if req.GoalID == "" {
		return Request{}, errors.New("runrequest: decode: goal_id is required")
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return Request{}, fmt.Errorf("runrequest: decode: %w", err)
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range all {
		if _, known := knownKeys[k]; !known {
			extra[k] = v
		}
	}
	req.Extra = extra
	return req, nil
}
