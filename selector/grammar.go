package selector

import (
	"encoding/base64"
	"encoding/json"
	"regexp"

	"github.com/sisegod/machina/menu"
)

// Output grammar blocks (spec §4.H "Output grammar"). Extraneous
// surrounding text is tolerated; the first valid block wins.
var (
	pickPlainRe = regexp.MustCompile(`<PICK>(SID\d{4})<END>`)
	pickInpRe   = regexp.MustCompile(`(?s)<PICK>(SID\d{4})<INP>(.*?)</INP><END>`)
	pickInp64Re = regexp.MustCompile(`<PICK>(SID\d{4})<INP64>([A-Za-z0-9+/=]+)</INP64><END>`)
	askSupRe    = regexp.MustCompile(`<ASK_SUP><END>`)
	noopRe      = regexp.MustCompile(`<NOOP><END>`)
)

// ParseOutput parses raw external-selector output into a Selection,
// validating the chosen SID exists in m. The first valid block in raw wins;
// anything that cannot be parsed, or whose patch is not a JSON object, or
// whose SID is not present in the menu, yields KindInvalid.
func ParseOutput(raw string, m *menu.Menu) Selection {
	type candidate struct {
		loc  []int
		sel  Selection
	}
	var best *candidate

	consider := func(loc []int, sel Selection) {
		if best == nil || loc[0] < best.loc[0] {
			best = &candidate{loc: loc, sel: sel}
		}
	}

	if loc := pickInpRe.FindStringSubmatchIndex(raw); loc != nil {
		m2 := pickInpRe.FindStringSubmatch(raw)
		patch, ok := decodeObjectPatch([]byte(m2[2]))
		if !ok {
			consider(loc, Selection{Kind: KindInvalid, Raw: raw})
		} else {
			consider(loc, buildPick(m2[1], patch, m, raw))
		}
	}
	if loc := pickInp64Re.FindStringSubmatchIndex(raw); loc != nil {
		m2 := pickInp64Re.FindStringSubmatch(raw)
		decoded, err := base64.StdEncoding.DecodeString(m2[2])
		if err != nil {
			consider(loc, Selection{Kind: KindInvalid, Raw: raw})
		} else {
			patch, ok := decodeObjectPatch(decoded)
			if !ok {
				consider(loc, Selection{Kind: KindInvalid, Raw: raw})
			} else {
				consider(loc, buildPick(m2[1], patch, m, raw))
			}
		}
	}
	if loc := pickPlainRe.FindStringSubmatchIndex(raw); loc != nil {
		m2 := pickPlainRe.FindStringSubmatch(raw)
		consider(loc, buildPick(m2[1], nil, m, raw))
	}
	if loc := askSupRe.FindStringIndex(raw); loc != nil {
		consider([]int{loc[0], loc[1]}, Selection{Kind: KindAskSup, Raw: raw})
	}
	if loc := noopRe.FindStringIndex(raw); loc != nil {
		consider([]int{loc[0], loc[1]}, Selection{Kind: KindNoop, Raw: raw})
	}

	if best == nil {
		return Selection{Kind: KindInvalid, Raw: raw}
	}
	return best.sel
}

func buildPick(sid string, patch map[string]any, m *menu.Menu, raw string) Selection {
	if m != nil {
		if _, ok := m.ByDisplaySID(sid); !ok {
			return Selection{Kind: KindInvalid, Raw: raw}
		}
	}
	return Selection{Kind: KindPick, SID: sid, InputPatch: patch, Raw: raw}
}

// decodeObjectPatch decodes raw as JSON and requires the result to be a
// JSON object (non-object patches are rejected per spec §4.H).
func decodeObjectPatch(raw []byte) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return obj, true
}
