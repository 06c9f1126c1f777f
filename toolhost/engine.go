package toolhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sisegod/machina/lease"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
	"github.com/sisegod/machina/tx"
)

// Engine is the request-handling core shared by single-shot and serve mode
// (spec §4.L): it looks up the requested AID in a registry populated by a
// single loaded plugin, gates on lease tier, dispatches inside a tx, and
// renders a Response. Only serve mode attaches a cache (single-shot has no
// notion of "subsequent" requests to deduplicate against).
type Engine struct {
	Registry *toolreg.Registry
	Leases   *lease.Manager
	Cache    *idempotencyCache // nil in single-shot mode
}

// NewEngine constructs an Engine with no idempotency cache, suitable for
// single-shot mode (spec §4.L: the idempotency LRU is specified for serve
// mode only). leases may be nil, which disables lease gating (every tier is
// treated as satisfied).
func NewEngine(reg *toolreg.Registry, leases *lease.Manager) *Engine {
	return &Engine{Registry: reg, Leases: leases}
}

// NewServeEngine constructs an Engine with the serve-mode idempotency cache
// enabled (spec §4.L "Idempotency").
func NewServeEngine(reg *toolreg.Registry, leases *lease.Manager) *Engine {
	return &Engine{Registry: reg, Leases: leases, Cache: newIdempotencyCache()}
}

// Handle processes one Request end to end.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	if e.Cache != nil && req.IdempotencyKey != "" {
		if cached, ok := e.Cache.get(req.IdempotencyKey); ok {
			cached.IdempotentHit = true
			return cached
		}
	}

	resp := e.handleUncached(ctx, req)

	if e.Cache != nil && req.IdempotencyKey != "" {
		e.Cache.put(req.IdempotencyKey, resp)
	}
	return resp
}

func (e *Engine) handleUncached(ctx context.Context, req Request) Response {
	desc, invoker, ok := e.Registry.Lookup(req.AID)
	if !ok {
		return errResponse(fmt.Errorf("toolhost: unknown aid %q", req.AID))
	}

	input, err := decodeInputJSON(req.InputJSON)
	if err != nil {
		return errResponse(err)
	}

	if desc.Tier > 0 && e.Leases != nil {
		if req.LeaseToken == "" {
			return Response{OK: false, Status: StatusToolError, Error: "lease_required"}
		}
		if err := e.Leases.VerifyAndConsume(req.LeaseToken, req.AID); err != nil {
			return Response{OK: false, Status: StatusToolError, Error: "lease_rejected: " + err.Error()}
		}
	}

	if err := toolreg.ValidatePayload(desc, input); err != nil {
		return Response{OK: false, Status: StatusInvalidPick, Error: err.Error()}
	}

	ws := state.New()
	applyWire(ws, req.DSState)

	txn := tx.Begin(ws)
	if err := invoker(ctx, txn.Working(), input); err != nil {
		txn.Rollback()
		return Response{OK: false, Status: StatusToolError, Error: err.Error()}
	}
	patch, err := txn.Commit(ws)
	if err != nil {
		return errResponse(err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return errResponse(err)
	}

	return Response{
		OK:         true,
		Status:     StatusOK,
		OutputJSON: string(patchJSON),
		DSState:    snapshot(ws),
	}
}

func decodeInputJSON(raw string) (map[string]any, error) {
	if raw == "" {
		raw = "{}"
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("toolhost: decode input_json: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func errResponse(err error) Response {
	return Response{OK: false, Status: StatusToolError, Error: err.Error()}
}
