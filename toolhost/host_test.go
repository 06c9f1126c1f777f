package toolhost_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolhost"
)

// writeFakeToolHost writes an executable shell script standing in for a real
// machina-toolhost binary: it ignores its stdin/argv and always prints a
// fixed successful Response, enough to exercise Host.Invoke's spawn/marshal/
// parse plumbing without depending on a built binary.
func writeFakeToolHost(t *testing.T, responseJSON string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-toolhost.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" + responseJSON + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestHostInvokeAppliesResponseDSState(t *testing.T) {
	respJSON := `{"ok":true,"status":"OK","ds_state":{"slots":[{"type":"text","provenance":"tool","content":"from-subprocess","size":15},null,null,null,null,null,null,null]}}`
	bin := writeFakeToolHost(t, respJSON)

	host := toolhost.NewHost(toolhost.HostOptions{
		BinaryPath: bin,
		PluginPath: "/dev/null",
		Timeout:    2 * time.Second,
	})

	ws := state.New()
	err := host.Invoke(context.Background(), "AID.WHATEVER.v1", ws, map[string]any{})
	require.NoError(t, err)

	art, _ := ws.Get(0)
	require.NotNil(t, art)
	require.Equal(t, "from-subprocess", art.Content)
}

func TestHostInvokeSurfacesToolError(t *testing.T) {
	respJSON := `{"ok":false,"status":"TOOL_ERROR","error":"boom"}`
	bin := writeFakeToolHost(t, respJSON)

	host := toolhost.NewHost(toolhost.HostOptions{
		BinaryPath: bin,
		PluginPath: "/dev/null",
		Timeout:    2 * time.Second,
	})

	ws := state.New()
	err := host.Invoke(context.Background(), "AID.WHATEVER.v1", ws, map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestHostInvokeSurfacesLeaseRequired(t *testing.T) {
	respJSON := `{"ok":false,"status":"TOOL_ERROR","error":"lease_required"}`
	bin := writeFakeToolHost(t, respJSON)

	host := toolhost.NewHost(toolhost.HostOptions{
		BinaryPath: bin,
		PluginPath: "/dev/null",
		Timeout:    2 * time.Second,
	})

	ws := state.New()
	err := host.Invoke(context.Background(), "AID.WHATEVER.v1", ws, map[string]any{})
	require.Error(t, err)
}
