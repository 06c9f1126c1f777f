package selector_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/selector"
)

func testMenu() *menu.Menu {
	return menu.New([]menu.Item{{AID: "search"}, {AID: "write"}})
}

func TestParseOutputPlainPick(t *testing.T) {
	sel := selector.ParseOutput("noise <PICK>SID0001<END> trailing", testMenu())
	require.Equal(t, selector.KindPick, sel.Kind)
	require.Equal(t, "SID0001", sel.SID)
}

func TestParseOutputPickWithInlinePatch(t *testing.T) {
	raw := `garbage <PICK>SID0002<INP>{"query":"hi"}</INP><END>`
	sel := selector.ParseOutput(raw, testMenu())
	require.Equal(t, selector.KindPick, sel.Kind)
	require.Equal(t, "SID0002", sel.SID)
	require.Equal(t, "hi", sel.InputPatch["query"])
}

func TestParseOutputPickWithBase64Patch(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"a":1}`))
	raw := "<PICK>SID0001<INP64>" + encoded + "</INP64><END>"
	sel := selector.ParseOutput(raw, testMenu())
	require.Equal(t, selector.KindPick, sel.Kind)
	require.InDelta(t, 1, sel.InputPatch["a"], 0)
}

func TestParseOutputRejectsNonObjectPatch(t *testing.T) {
	raw := `<PICK>SID0001<INP>[1,2,3]</INP><END>`
	sel := selector.ParseOutput(raw, testMenu())
	require.Equal(t, selector.KindInvalid, sel.Kind)
}

func TestParseOutputRejectsUnknownSID(t *testing.T) {
	raw := `<PICK>SID9999<END>`
	sel := selector.ParseOutput(raw, testMenu())
	require.Equal(t, selector.KindInvalid, sel.Kind)
}

func TestParseOutputAskSup(t *testing.T) {
	sel := selector.ParseOutput("<ASK_SUP><END>", testMenu())
	require.Equal(t, selector.KindAskSup, sel.Kind)
}

func TestParseOutputNoop(t *testing.T) {
	sel := selector.ParseOutput("<NOOP><END>", testMenu())
	require.Equal(t, selector.KindNoop, sel.Kind)
}

func TestParseOutputGarbageIsInvalid(t *testing.T) {
	sel := selector.ParseOutput("I refuse to answer.", testMenu())
	require.Equal(t, selector.KindInvalid, sel.Kind)
}

func TestParseOutputFirstValidBlockWins(t *testing.T) {
	raw := "<NOOP><END> later garbage <PICK>SID0001<END>"
	sel := selector.ParseOutput(raw, testMenu())
	require.Equal(t, selector.KindNoop, sel.Kind)
}
