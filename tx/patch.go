// Package tx implements the transactional state engine (spec §4.B): a Tx is
// created from a base DSState, mutated in isolation, and either committed
// (atomically overwriting a target DSState and producing a Patch) or rolled
// back (discarded). Patch is the JSON-patch delta format shared by commit and
// replay (spec §3).
package tx

import (
	"encoding/json"
	"fmt"

	"github.com/sisegod/machina/state"
)

// OpKind is one of the three legal patch operation kinds.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpRemove  OpKind = "remove"
)

// Op is a single patch operation over one slot. Value is present for add and
// replace, absent for remove.
type Op struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	Value *state.Artifact `json:"value,omitempty"`
}

// Patch is an ordered list of operations, ascending by slot index, describing
// the delta base->tmp. See spec §3.
type Patch []Op

// SlotPath renders the canonical JSON-patch path for slot k.
func SlotPath(k int) string { return fmt.Sprintf("/slots/%d", k) }

// ParseSlotPath extracts the slot index from a path of the form /slots/<k>.
// Returns ok=false for any other shape, including out-of-range k.
func ParseSlotPath(path string) (int, bool) {
	var k int
	n, err := fmt.Sscanf(path, "/slots/%d", &k)
	if err != nil || n != 1 {
		return 0, false
	}
	// Reject trailing garbage, e.g. "/slots/3/extra".
	if SlotPath(k) != path {
		return 0, false
	}
	if k < 0 || k >= state.NumSlots {
		return 0, false
	}
	return k, true
}

// MarshalJSON renders the patch as a JSON array of operations.
func (p Patch) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Op(p))
}

// ComputePatch diffs base against tmp, producing the ordered add/replace/
// remove operations required to turn base into tmp. Exactly one operation is
// emitted per differing slot index, in ascending order.
func ComputePatch(base, tmp *state.DSState) Patch {
	var patch Patch
	for k := 0; k < state.NumSlots; k++ {
		before, _ := base.Get(k)
		after, _ := tmp.Get(k)
		switch {
		case before == nil && after == nil:
			continue
		case before == nil && after != nil:
			patch = append(patch, Op{Op: OpAdd, Path: SlotPath(k), Value: after})
		case before != nil && after == nil:
			patch = append(patch, Op{Op: OpRemove, Path: SlotPath(k)})
		case *before != *after:
			patch = append(patch, Op{Op: OpReplace, Path: SlotPath(k), Value: after})
		}
	}
	return patch
}

// Apply applies patch to base, returning a new DSState. Invalid operations
// (bad op kind, out-of-range/malformed path, missing value on add/replace)
// fail immediately, identifying the offending operation's index.
func Apply(base *state.DSState, patch Patch) (*state.DSState, error) {
	out := base.Clone()
	for i, op := range patch {
		k, ok := ParseSlotPath(op.Path)
		if !ok {
			return nil, fmt.Errorf("tx: apply patch: op %d: invalid path %q", i, op.Path)
		}
		switch op.Op {
		case OpAdd, OpReplace:
			if op.Value == nil {
				return nil, fmt.Errorf("tx: apply patch: op %d: %s at %q missing value", i, op.Op, op.Path)
			}
			out.Set(k, op.Value)
		case OpRemove:
			out.Set(k, nil)
		default:
			return nil, fmt.Errorf("tx: apply patch: op %d: invalid op %q", i, op.Op)
		}
	}
	return out, nil
}
