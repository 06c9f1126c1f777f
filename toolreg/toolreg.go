// Package toolreg implements the tool registry (spec §4.E): an AID -> tool
// descriptor map plus an invoker, with O(1) lookup and tag-intersection
// query. Registration happens statically at startup or dynamically via the
// plugin manager (package plugin).
package toolreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/sisegod/machina/errs"
	"github.com/sisegod/machina/state"
)

// ToolDesc is the registry record for one tool (spec §3 "ToolDesc").
type ToolDesc struct {
	AID           string   `json:"aid"`
	DisplayName   string   `json:"display_name"`
	Deterministic bool     `json:"deterministic"`
	Tags          []string `json:"tags"`
	// SideEffects is normalized: ["none"] means the tool is pure.
	SideEffects []string `json:"side_effects"`
	// ReplayInputs lists the input fences that must match on strict replay
	// for deterministic tools that still carry side effects.
	ReplayInputs []string `json:"replay_inputs,omitempty"`
	// InputSchema is an optional JSON Schema (as a decoded document) used to
	// validate a tool's input payload before dispatch.
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// Tier is the permission tier (0=safe..3=dangerous). A tier > 0 requires
	// a matching, unexpired lease token before dispatch (spec §4.G, §4.J
	// step 7). Mirrors lease.Tier without importing package lease, which
	// only tool-dispatching callers (goalloop, toolhost) need to know about.
	Tier int `json:"tier,omitempty"`
}

// Pure reports whether the tool's side-effect list is exactly ["none"].
func (d ToolDesc) Pure() bool {
	return len(d.SideEffects) == 1 && d.SideEffects[0] == "none"
}

// Invoker executes a tool against a transaction's working state. input
// carries the raw (already schema-validated) input payload. Invoker may
// mutate ws freely; the caller is responsible for commit/rollback.
type Invoker func(ctx context.Context, ws *state.DSState, input map[string]any) error

type entry struct {
	desc    ToolDesc
	invoker Invoker
}

// Registry maps AID -> (ToolDesc, Invoker). Safe for concurrent use: reads
// are shared, writes (Register) are exclusive, per spec §5's "Registry is
// shared-read, exclusive-write" policy.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	// order preserves first-registration order, used to make tag queries
	// order-preserving by first-match AID.
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds desc and its invoker under desc.AID. If an entry already
// exists for that AID, the call fails with errs.KindPluginLoadFailure unless
// allowOverride is true.
func (r *Registry) Register(desc ToolDesc, invoker Invoker, allowOverride bool) error {
	if desc.AID == "" {
		return errs.New(errs.KindPluginLoadFailure, "toolreg.Register", fmt.Errorf("empty AID"))
	}
	if invoker == nil {
		return errs.New(errs.KindPluginLoadFailure, "toolreg.Register", fmt.Errorf("nil invoker for AID %q", desc.AID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.AID]; exists && !allowOverride {
		return errs.New(errs.KindPluginLoadFailure, "toolreg.Register",
			fmt.Errorf("AID %q already registered", desc.AID))
	}
	if _, exists := r.entries[desc.AID]; !exists {
		r.order = append(r.order, desc.AID)
	}
	r.entries[desc.AID] = entry{desc: desc, invoker: invoker}
	return nil
}

// Lookup returns the ToolDesc and Invoker registered under aid.
func (r *Registry) Lookup(aid string) (ToolDesc, Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[aid]
	if !ok {
		return ToolDesc{}, nil, false
	}
	return e.desc, e.invoker, true
}

// Get is a descriptor-only convenience over Lookup.
func (r *Registry) Get(aid string) (ToolDesc, bool) {
	desc, _, ok := r.Lookup(aid)
	return desc, ok
}

// ByTags returns every registered ToolDesc whose tag list intersects tags,
// in first-registration order.
func (r *Registry) ByTags(tags []string) []ToolDesc {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDesc
	for _, aid := range r.order {
		e := r.entries[aid]
		if intersects(e.desc.Tags, want) {
			out = append(out, e.desc)
		}
	}
	return out
}

func intersects(tags []string, want map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

// All returns every registered descriptor in first-registration order.
func (r *Registry) All() []ToolDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDesc, 0, len(r.order))
	for _, aid := range r.order {
		out = append(out, r.entries[aid].desc)
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
