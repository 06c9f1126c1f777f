package selector

import "context"

// FallbackSource is the built-in deterministic heuristic selector (spec
// §4.H "Fallback (heuristic) selector"): it chooses the first MenuItem
// whose tag set intersects the goal's candidate tags, ties broken by menu
// order (the first match wins, which is stable since Menu.Items is itself
// ordered and never reshuffled between calls).
type FallbackSource struct {
	// CandidateTags is the goal's candidate tag set used to pick a matching
	// MenuItem.
	CandidateTags []string
}

// NewFallback constructs a FallbackSource scoped to candidateTags.
func NewFallback(candidateTags []string) *FallbackSource {
	return &FallbackSource{CandidateTags: candidateTags}
}

// Select implements Source.
func (f *FallbackSource) Select(ctx context.Context, req Request) (Selection, error) {
	want := make(map[string]struct{}, len(f.CandidateTags))
	for _, t := range f.CandidateTags {
		want[t] = struct{}{}
	}

	if req.Menu != nil {
		for _, item := range req.Menu.Items {
			for _, tag := range item.Tags {
				if _, ok := want[tag]; ok {
					return Selection{Kind: KindPick, SID: item.SID}, nil
				}
			}
		}
	}
	return Selection{Kind: KindNoop}, nil
}
