package replay_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/goal"
	"github.com/sisegod/machina/goalloop"
	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/replay"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
)

type scriptedSource struct {
	selections []selector.Selection
	calls      int
}

func (s *scriptedSource) Select(ctx context.Context, req selector.Request) (selector.Selection, error) {
	if s.calls >= len(s.selections) {
		return selector.Selection{Kind: selector.KindNoop}, nil
	}
	sel := s.selections[s.calls]
	s.calls++
	return sel, nil
}

func runDemoOnce(t *testing.T, buf *bytes.Buffer) *toolreg.Registry {
	t.Helper()

	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"write"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.WRITE_HELLO.v1", DisplayName: "Write hello", Tags: []string{"write"}, Deterministic: true},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			ws.Set(0, func() *state.Artifact { a := state.NewArtifact("text", "tool", "hello"); return &a }())
			return nil
		},
		false,
	))

	src := &scriptedSource{selections: []selector.Selection{{Kind: selector.KindPick, SID: menu.FormatSID(1)}}}
	dispatcher, err := selector.NewDispatcher(selector.DispatcherOptions{Fallback: src})
	require.NoError(t, err)

	log := audit.New(buf, audit.Options{RunID: "r1", Now: func() time.Time { return time.Unix(0, 0) }})

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: dispatcher,
		Audit:    log,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"write"}})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
	return reg
}

func TestStructuralReplayReportsCleanChain(t *testing.T) {
	var buf bytes.Buffer
	runDemoOnce(t, &buf)

	sum, err := replay.Structural(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Zero(t, sum.ChainLinkErrors)
	require.Equal(t, 1, sum.EventCounts[audit.EventToolOK])
}

func TestStrictReplayReExecutesDeterministicToolAndMatchesLoggedPatch(t *testing.T) {
	var buf bytes.Buffer
	reg := runDemoOnce(t, &buf)

	sum, err := replay.Structural(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	steps, err := replay.Strict(context.Background(), sum.Entries, replay.Options{Registry: reg})
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	final := steps[len(steps)-1].WS
	art, _ := final.Get(0)
	require.NotNil(t, art)
	require.Equal(t, "hello", art.Content)
}

func TestStrictReplayFailsOnCorruptedPatchPath(t *testing.T) {
	var buf bytes.Buffer
	reg := runDemoOnce(t, &buf)

	sum, err := replay.Structural(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	for i, e := range sum.Entries {
		if e.Event == audit.EventToolOK {
			patch, ok := e.Payload["tx_patch"].([]any)
			require.True(t, ok)
			op := patch[0].(map[string]any)
			op["path"] = "/slots/99"
			sum.Entries[i].Payload["tx_patch"] = patch
		}
	}

	_, err = replay.Strict(context.Background(), sum.Entries, replay.Options{Registry: reg})
	require.Error(t, err)
}

func TestStrictReplayAppliesLoggedPatchForNonDeterministicTool(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"write"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	calls := 0
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.WRITE_RANDOM.v1", DisplayName: "Write random", Tags: []string{"write"}, Deterministic: false},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			calls++
			a := state.NewArtifact("text", "tool", "non-deterministic-output")
			ws.Set(0, &a)
			return nil
		},
		false,
	))

	src := &scriptedSource{selections: []selector.Selection{{Kind: selector.KindPick, SID: menu.FormatSID(1)}}}
	dispatcher, err := selector.NewDispatcher(selector.DispatcherOptions{Fallback: src})
	require.NoError(t, err)

	var buf bytes.Buffer
	log := audit.New(&buf, audit.Options{RunID: "r1", Now: func() time.Time { return time.Unix(0, 0) }})
	r, err := goalloop.New(goalloop.Options{Registry: reg, Goals: goals, Selector: dispatcher, Audit: log})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"write"}})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	sum, err := replay.Structural(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	steps, err := replay.Strict(context.Background(), sum.Entries, replay.Options{Registry: reg})
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	require.Equal(t, 1, calls, "non-deterministic tool must not be re-executed during replay")

	final := steps[len(steps)-1].WS
	art, _ := final.Get(0)
	require.NotNil(t, art)
	require.Equal(t, "non-deterministic-output", art.Content)
}
