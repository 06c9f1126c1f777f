// Package goal implements the goal registry (spec component I): a lookup
// from goal id to a GoalDesc, plus the required-slot completion predicate
// the goal loop consults every step.
package goal

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sisegod/machina/state"
)

// Desc is the registry record for one goal.
type Desc struct {
	ID                string   `yaml:"id"`
	CandidateTags     []string `yaml:"candidate_tags"`
	RequiredTools     []string `yaml:"required_tools"`
	RequiredSlots     []int    `yaml:"required_slots"`
	AnySlotSufficient bool     `yaml:"any_slot_sufficient"`
}

// Registry is an id -> Desc lookup supporting exact and longest-prefix
// match, with an evaluation helper for the completion predicate.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Desc
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{descs: make(map[string]Desc)}
}

// Register adds or replaces a Desc under its ID.
func (r *Registry) Register(d Desc) error {
	if d.ID == "" {
		return errors.New("goal: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.ID] = d
	return nil
}

// Lookup resolves goalID to a Desc, using an exact match first and falling
// back to the longest registered id that is a prefix of goalID (e.g.
// "goal.GENESIS" matches "goal.GENESIS_DEMO_HELLO.v1"). ok is false when no
// registered id matches.
func (r *Registry) Lookup(goalID string) (Desc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.descs[goalID]; ok {
		return d, true
	}
	var (
		best   Desc
		bestOK bool
	)
	for id, d := range r.descs {
		if !strings.HasPrefix(goalID, id) {
			continue
		}
		if !bestOK || len(id) > len(best.ID) {
			best, bestOK = d, true
		}
	}
	return best, bestOK
}

// IsComplete evaluates the completion predicate (spec §4.I) for goalID
// against ws. A goal with no registered Desc, or with an empty
// RequiredSlots list, is never reported complete.
func IsComplete(r *Registry, goalID string, ws *state.DSState) bool {
	d, ok := r.Lookup(goalID)
	if !ok || len(d.RequiredSlots) == 0 {
		return false
	}
	occupied := 0
	for _, k := range d.RequiredSlots {
		if art, _ := ws.Get(k); art != nil {
			occupied++
		}
	}
	if d.AnySlotSufficient {
		return occupied >= 1
	}
	return occupied == len(d.RequiredSlots)
}

// Manifest is the top-level shape of a YAML goal manifest file: a flat list
// of goal descriptors loaded in one pass at startup.
type Manifest struct {
	Goals []Desc `yaml:"goals"`
}

// LoadManifest registers every Desc in m, rejecting entries with an empty
// id; a repeated id replaces the earlier entry, as Register does.
func LoadManifest(r *Registry, m Manifest) error {
	for i, d := range m.Goals {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("goal: manifest entry %d: %w", i, err)
		}
	}
	return nil
}
