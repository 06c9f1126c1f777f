package toolhost

import "github.com/sisegod/machina/state"

// snapshot renders ws as a full (non-delta) DSStateWire.
func snapshot(ws *state.DSState) *DSStateWire {
	w := &DSStateWire{}
	for i := 0; i < state.NumSlots; i++ {
		art, _ := ws.Get(i)
		w.Slots[i] = toRaw(art)
	}
	return w
}

// applyWire writes w onto ws: a full snapshot (Delta false) overwrites every
// slot, including emptying ones whose wire entry is nil; a delta overlay
// only touches slots with a non-nil wire entry.
func applyWire(ws *state.DSState, w *DSStateWire) {
	if w == nil {
		return
	}
	for i := 0; i < state.NumSlots; i++ {
		raw := w.Slots[i]
		if raw == nil && w.Delta {
			continue
		}
		ws.Set(i, fromRaw(raw))
	}
}

func toRaw(art *state.Artifact) *rawArtifact {
	if art == nil {
		return nil
	}
	return &rawArtifact{Type: art.Type, Provenance: art.Provenance, Content: art.Content, Size: art.Size}
}

func fromRaw(raw *rawArtifact) *state.Artifact {
	if raw == nil {
		return nil
	}
	art := state.NewArtifact(raw.Type, raw.Provenance, raw.Content)
	return &art
}
