// Package replay implements the two replay modes of spec §4.K: structural
// replay (chain verification and event summary, delegated to audit.Verify)
// and strict replay (reconstructing the exact DSState sequence of a past
// run from its audit log, re-executing deterministic fence-free tools and
// otherwise replaying the logged patch directly).
package replay

import (
	"context"
	"fmt"
	"io"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/internal/canon"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
	"github.com/sisegod/machina/tx"
)

// Structural performs structural replay: chain verification plus the event
// summary (spec §4.K "Structural replay"). It is audit.Verify, re-exported
// under this package's name so a caller doing only structural replay can
// import just the replay package; Summary.Entries is the input Strict
// expects.
func Structural(r io.Reader) (audit.Summary, error) {
	return audit.Verify(r)
}

// StepState pairs a step number with the DSState snapshot immediately after
// that step's commit (or the state unchanged, for steps with no commit).
type StepState struct {
	Step int
	WS   *state.DSState
}

// Options configures Strict.
type Options struct {
	// Registry resolves an AID to its ToolDesc and Invoker so deterministic,
	// fence-free tools can be re-executed and compared rather than merely
	// replayed.
	Registry *toolreg.Registry
}

// Strict reconstructs the sequence of DSStates for a run from its parsed
// audit entries (spec §4.K "Strict replay"). Entries must be in ascending
// step order, as produced by a single audit.Log or audit.Verify's
// Summary.Entries.
func Strict(ctx context.Context, entries []audit.Entry, opts Options) ([]StepState, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("replay: strict: registry is required")
	}

	ws := state.New()
	var out []StepState
	inputs := map[string]any{}

	byStep := groupByStep(entries)
	for _, step := range sortedSteps(byStep) {
		evs := byStep[step]

		if patch, ok := evs["inputs_patched"]; ok {
			applyInputPatch(inputs, patch.Payload)
		}

		invoked, hasInvoke := evs["tool_invoked"]
		if !hasInvoke {
			continue
		}
		aid, _ := invoked.Payload["aid"].(string)

		outcome, loggedPatchRaw, ok := toolOutcome(evs)
		if !ok {
			// The tool dispatched but never reached a terminal tool_ok/
			// tool_error (e.g. a truncated log at the crash point): nothing
			// further to replay.
			out = append(out, StepState{Step: step, WS: ws.Clone()})
			continue
		}
		if outcome != audit.EventToolOK {
			// tool_error/invalid_pick steps never commit; state is unchanged.
			out = append(out, StepState{Step: step, WS: ws.Clone()})
			continue
		}

		loggedPatch, err := decodePatch(loggedPatchRaw)
		if err != nil {
			return nil, fmt.Errorf("replay: strict: step %d: REPLAY_STRICT FAIL: %w", step, err)
		}

		desc, invoker, found := opts.Registry.Get(aid)
		if found && desc.Deterministic && len(desc.ReplayInputs) == 0 {
			txn := tx.Begin(ws)
			if err := invoker(ctx, txn.Working(), inputs); err != nil {
				return nil, fmt.Errorf("replay: strict: step %d: re-execute %q: %w", step, aid, err)
			}
			patch, err := txn.Commit(ws)
			if err != nil {
				return nil, fmt.Errorf("replay: strict: step %d: commit: %w", step, err)
			}
			if err := comparePatches(patch, loggedPatch); err != nil {
				return nil, fmt.Errorf("replay: strict: step %d: REPLAY_STRICT FAIL: re-executed patch diverges from logged patch for %q: %w", step, aid, err)
			}
		} else {
			next, err := tx.Apply(ws, loggedPatch)
			if err != nil {
				return nil, fmt.Errorf("replay: strict: step %d: REPLAY_STRICT FAIL: %w", step, err)
			}
			ws = next
		}
		out = append(out, StepState{Step: step, WS: ws.Clone()})
	}
	return out, nil
}

// groupByStep indexes entries by step, then by event name within that step
// (a step has at most one of each event name, per spec §4.J).
func groupByStep(entries []audit.Entry) map[int]map[string]audit.Entry {
	out := map[int]map[string]audit.Entry{}
	for _, e := range entries {
		m, ok := out[e.Step]
		if !ok {
			m = map[string]audit.Entry{}
			out[e.Step] = m
		}
		m[e.Event] = e
	}
	return out
}

func sortedSteps(byStep map[int]map[string]audit.Entry) []int {
	steps := make([]int, 0, len(byStep))
	for s := range byStep {
		steps = append(steps, s)
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1] > steps[j]; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
	return steps
}

// toolOutcome returns whichever of tool_ok/tool_error/invalid_pick is
// present for a step, along with the raw tx_patch payload (only present for
// tool_ok).
func toolOutcome(evs map[string]audit.Entry) (event string, patchPayload any, ok bool) {
	if e, present := evs[audit.EventToolOK]; present {
		return audit.EventToolOK, e.Payload["tx_patch"], true
	}
	if _, present := evs[audit.EventToolError]; present {
		return audit.EventToolError, nil, true
	}
	if _, present := evs[audit.EventInvalidPick]; present {
		return audit.EventInvalidPick, nil, true
	}
	return "", nil, false
}

// applyInputPatch merges an inputs_patched event's logged "patch" field
// into inputs, reproducing the step-6 safe merge's effect (spec §4.K
// "Inputs patches ... are replayed from inputs_patched events in order").
func applyInputPatch(inputs map[string]any, payload map[string]any) {
	patch, ok := payload["patch"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range patch {
		inputs[k] = v
	}
}

// decodePatch converts a tx_patch audit payload (decoded from JSON as
// []any of map[string]any, since Entry.Payload is a generic map) back into
// a tx.Patch.
func decodePatch(raw any) (tx.Patch, error) {
	items, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("tx_patch payload is not an array")
	}
	patch := make(tx.Patch, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tx_patch[%d] is not an object", i)
		}
		opKind, _ := m["op"].(string)
		path, _ := m["path"].(string)
		if _, ok := tx.ParseSlotPath(path); !ok {
			return nil, fmt.Errorf("tx_patch[%d]: invalid path %q", i, path)
		}
		op := tx.Op{Op: tx.OpKind(opKind), Path: path}
		if valRaw, present := m["value"]; present && valRaw != nil {
			art, err := decodeArtifact(valRaw)
			if err != nil {
				return nil, fmt.Errorf("tx_patch[%d]: %w", i, err)
			}
			op.Value = art
		}
		patch = append(patch, op)
	}
	return patch, nil
}

func decodeArtifact(raw any) (*state.Artifact, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value is not an object")
	}
	typ, _ := m["type"].(string)
	provenance, _ := m["provenance"].(string)
	content, _ := m["content"].(string)
	art := state.NewArtifact(typ, provenance, content)
	return &art, nil
}

// comparePatches reports an error unless got and want are byte-identical in
// canonical form.
func comparePatches(got, want tx.Patch) error {
	gotBytes, err := canon.Marshal([]tx.Op(got))
	if err != nil {
		return fmt.Errorf("canonicalize re-executed patch: %w", err)
	}
	wantBytes, err := canon.Marshal([]tx.Op(want))
	if err != nil {
		return fmt.Errorf("canonicalize logged patch: %w", err)
	}
	if string(gotBytes) != string(wantBytes) {
		return fmt.Errorf("got %s, want %s", gotBytes, wantBytes)
	}
	return nil
}
