package toolhost_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/lease"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolhost"
	"github.com/sisegod/machina/toolreg"
)

func echoRegistry(t *testing.T) *toolreg.Registry {
	t.Helper()
	reg := toolreg.New()
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.ECHO.v1", DisplayName: "Echo", Deterministic: true},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			msg, _ := input["message"].(string)
			a := state.NewArtifact("text", "tool", msg)
			ws.Set(0, &a)
			return nil
		},
		false,
	))
	return reg
}

func tieredRegistry(t *testing.T) *toolreg.Registry {
	t.Helper()
	reg := toolreg.New()
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.DANGEROUS.v1", DisplayName: "Dangerous", Tier: 2},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			a := state.NewArtifact("text", "tool", "ran")
			ws.Set(0, &a)
			return nil
		},
		false,
	))
	return reg
}

func TestEngineHandleDispatchesAndReturnsDSState(t *testing.T) {
	engine := toolhost.NewEngine(echoRegistry(t), nil)
	resp := engine.Handle(context.Background(), toolhost.Request{
		AID:       "AID.ECHO.v1",
		InputJSON: `{"message":"hi"}`,
	})
	require.True(t, resp.OK)
	require.Equal(t, toolhost.StatusOK, resp.Status)
	require.NotNil(t, resp.DSState)
	require.NotNil(t, resp.DSState.Slots[0])
	require.Equal(t, "hi", resp.DSState.Slots[0].Content)
}

func TestEngineHandleUnknownAIDIsToolError(t *testing.T) {
	engine := toolhost.NewEngine(echoRegistry(t), nil)
	resp := engine.Handle(context.Background(), toolhost.Request{AID: "AID.NOPE.v1"})
	require.False(t, resp.OK)
	require.Equal(t, toolhost.StatusToolError, resp.Status)
}

func TestEngineHandleRequiresLeaseForTieredTool(t *testing.T) {
	leases := lease.New(lease.Options{})
	engine := toolhost.NewEngine(tieredRegistry(t), leases)

	resp := engine.Handle(context.Background(), toolhost.Request{AID: "AID.DANGEROUS.v1"})
	require.False(t, resp.OK)
	require.Equal(t, "lease_required", resp.Error)
}

func TestEngineHandleAcceptsValidLease(t *testing.T) {
	leases := lease.New(lease.Options{})
	tok, err := leases.Issue("AID.DANGEROUS.v1", lease.TierSystem, 5000, "test")
	require.NoError(t, err)

	engine := toolhost.NewEngine(tieredRegistry(t), leases)
	resp := engine.Handle(context.Background(), toolhost.Request{
		AID:        "AID.DANGEROUS.v1",
		LeaseToken: tok.ID,
	})
	require.True(t, resp.OK)
}

func TestEngineHandleIdempotentHitOnSecondCallWithSameKey(t *testing.T) {
	var buf bytes.Buffer
	line1, err := json.Marshal(toolhost.Request{AID: "AID.ECHO.v1", InputJSON: `{"message":"one"}`, IdempotencyKey: "k1"})
	require.NoError(t, err)
	line2, err := json.Marshal(toolhost.Request{AID: "AID.ECHO.v1", InputJSON: `{"message":"two"}`, IdempotencyKey: "k1"})
	require.NoError(t, err)

	engine := toolhost.NewServeEngine(echoRegistry(t), nil)
	input := bytes.NewBufferString(string(line1) + "\n" + string(line2) + "\n")
	require.NoError(t, toolhost.Serve(context.Background(), input, &buf, engine))

	var resp1, resp2 toolhost.Response
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	require.NoError(t, json.Unmarshal(lines[0], &resp1))
	require.NoError(t, json.Unmarshal(lines[1], &resp2))

	require.False(t, resp1.IdempotentHit)
	require.True(t, resp2.IdempotentHit)
	require.Equal(t, resp1.DSState.Slots[0].Content, resp2.DSState.Slots[0].Content)
}

func TestRunOnceRoundTripsSingleRequest(t *testing.T) {
	engine := toolhost.NewEngine(echoRegistry(t), nil)
	req, err := json.Marshal(toolhost.Request{AID: "AID.ECHO.v1", InputJSON: `{"message":"single"}`})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, toolhost.RunOnce(context.Background(), bytes.NewReader(req), &out, engine))

	var resp toolhost.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, "single", resp.DSState.Slots[0].Content)
}
