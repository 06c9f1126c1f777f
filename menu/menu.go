// Package menu implements the Menu/MenuItem value objects from spec §3: the
// ordered list of candidate tools offered to a selector on each goal-loop
// step, together with the digesting scheme that lets the selector and audit
// log refer to "this exact menu" by a short hex string.
package menu

import (
	"fmt"
	"sort"

	"github.com/sisegod/machina/internal/canon"
	"github.com/sisegod/machina/xcrypto"
)

// Item is a single candidate tool offered at a step: a compact SID, the
// tool's AID, its display name, and its tag list.
type Item struct {
	SID  string   `json:"sid"`
	AID  string   `json:"aid"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// FormatSID renders the stable SIDdddd form for position n (1-based).
func FormatSID(n int) string { return fmt.Sprintf("SID%04d", n) }

// Menu is an ordered list of Items, assigned stable SIDs, with an index for
// O(1) SID lookup.
type Menu struct {
	Items   []Item
	bySID   map[string]int
}

// New builds a Menu from entries in the given order, assigning SIDs
// SID0001..SIDNNNN in that order (spec §4.J step 3 "stable order").
func New(entries []Item) *Menu {
	m := &Menu{
		Items: make([]Item, len(entries)),
		bySID: make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		e.SID = FormatSID(i + 1)
		m.Items[i] = e
		m.bySID[e.SID] = i
	}
	return m
}

// ByDisplaySID returns the item at the given SID and whether it exists.
func (m *Menu) ByDisplaySID(sid string) (Item, bool) {
	i, ok := m.bySID[sid]
	if !ok {
		return Item{}, false
	}
	return m.Items[i], true
}

func (m *Menu) canonicalForm() []map[string]any {
	out := make([]map[string]any, 0, len(m.Items))
	for _, it := range m.Items {
		tags := append([]string(nil), it.Tags...)
		sort.Strings(tags)
		out = append(out, map[string]any{
			"sid":  it.SID,
			"aid":  it.AID,
			"name": it.Name,
			"tags": tags,
		})
	}
	return out
}

// Digest returns the SHA-256 hex digest of the menu's canonical form.
func (m *Menu) Digest() (string, error) {
	raw, err := canon.Marshal(m.canonicalForm())
	if err != nil {
		return "", fmt.Errorf("menu: canonicalize: %w", err)
	}
	return xcrypto.SHA256Hex(raw), nil
}
