package goalloop_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/goal"
	"github.com/sisegod/machina/goalloop"
	"github.com/sisegod/machina/lease"
	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
)

func newAudit() *audit.Log {
	return audit.New(io.Discard, audit.Options{RunID: "test-run", Now: func() time.Time { return time.Unix(0, 0) }})
}

// scriptedSource replays a fixed sequence of selections, erroring if called
// more times than scripted.
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

func newDispatcher(t *testing.T, src selector.Source) *selector.Dispatcher {
	t.Helper()
	d, err := selector.NewDispatcher(selector.DispatcherOptions{Fallback: src})
	require.NoError(t, err)
	return d
}

func TestRunCompletesImmediatelyWhenGoalAlreadySatisfied(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", RequiredSlots: []int{0}}))

	ws := state.New()
	ws.Set(0, ptr(state.NewArtifact("text", "pretest", "hello")))

	src := &scriptedSource{} // must never be called
	reg := toolreg.New()

	r, err := goalloop.New(goalloop.Options{
		Registry:     reg,
		Goals:        goals,
		Selector:     newDispatcher(t, src),
		Audit:        newAudit(),
		InitialState: ws,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO"})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
	require.Equal(t, 0, res.Steps)
	require.Zero(t, src.calls)
}

func TestRunNoopSelectionEndsRun(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", RequiredSlots: []int{0}}))

	reg := toolreg.New()
	src := &scriptedSource{selections: []selector.Selection{{Kind: selector.KindNoop}}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO"})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
	require.Equal(t, 1, src.calls)
}

func TestRunAskSupWritesArtifactAndEnds(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", RequiredSlots: []int{0}}))
	reg := toolreg.New()
	src := &scriptedSource{selections: []selector.Selection{{Kind: selector.KindAskSup}}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO"})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
	art, _ := res.FinalWS.Get(1)
	require.NotNil(t, art)
	require.Equal(t, "supervisor_request", art.Type)
}

func TestRunTripsOnMaxInvalidPicks(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", RequiredSlots: []int{0}}))
	reg := toolreg.New()

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, invalidAlwaysSource{}),
		Audit:    newAudit(),
		// Menu and state never change here, so the loop guard would trip on
		// the third step; a budget of 2 invalid picks trips first.
		Budget: goalloop.Budget{MaxSteps: 100, MaxInvalidPicks: 2},
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO"})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusBreakerTrip, res.Status)
	require.Equal(t, "max_invalid_picks", res.Reason)
}

type invalidAlwaysSource struct{}

func (invalidAlwaysSource) Select(ctx context.Context, req selector.Request) (selector.Selection, error) {
	return selector.Selection{Kind: selector.KindInvalid}, nil
}

func TestRunTripsOnMaxSteps(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", RequiredSlots: []int{0}}))
	reg := toolreg.New()

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, stuckPickSource{}),
		Audit:    newAudit(),
		Budget:   goalloop.Budget{MaxSteps: 2, MaxInvalidPicks: 1000},
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO"})
	require.NoError(t, err)
	require.Equal(t, goalloop.StatusBreakerTrip, res.Status)
	require.Equal(t, "max_steps", res.Reason)
	require.Equal(t, 2, res.Steps)
}

// stuckPickSource always picks an unknown SID, which is rejected as an
// invalid pick without ever satisfying the goal — used to drive the run
// purely on the max_steps budget (with a very high invalid-pick budget).
// Menu and state never change, so MaxSteps must stay below 3 or the loop
// guard trips first.
type stuckPickSource struct{}

func (stuckPickSource) Select(ctx context.Context, req selector.Request) (selector.Selection, error) {
	return selector.Selection{Kind: selector.KindPick, SID: "SID9999"}, nil
}

func TestRunDispatchesPickedToolAndCommits(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"write"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	invoked := false
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.WRITE_HELLO.v1", DisplayName: "Write hello", Tags: []string{"write"}},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			invoked = true
			ws.Set(0, ptr(state.NewArtifact("text", "tool", "hello")))
			return nil
		},
		false,
	))

	src := &scriptedSource{selections: []selector.Selection{{Kind: selector.KindPick, SID: menu.FormatSID(1)}}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"write"}})
	require.NoError(t, err)
	require.True(t, invoked)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
	art, _ := res.FinalWS.Get(0)
	require.NotNil(t, art)
	require.Equal(t, "hello", art.Content)
}

func TestRunRejectsReservedInputPrefixOnMerge(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"write"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	var seenInputs map[string]any
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.WRITE_HELLO.v1", DisplayName: "Write hello", Tags: []string{"write"}},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			seenInputs = input
			ws.Set(0, ptr(state.NewArtifact("text", "tool", "hello")))
			return nil
		},
		false,
	))

	src := &scriptedSource{selections: []selector.Selection{{
		Kind: selector.KindPick,
		SID:  menu.FormatSID(1),
		InputPatch: map[string]any{
			"_system_flag": "evil",
			"ok_key":       "value",
		},
	}}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"write"}})
	require.NoError(t, err)
	require.NotContains(t, seenInputs, "_system_flag")
	require.Equal(t, "value", seenInputs["ok_key"])
}

func TestRunRequiresLeaseForTieredTool(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"danger"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	invoked := false
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.DANGER.v1", DisplayName: "Danger", Tags: []string{"danger"}, Tier: 2},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			invoked = true
			return nil
		},
		false,
	))

	leases := lease.New(lease.Options{})
	src := &scriptedSource{selections: []selector.Selection{
		{Kind: selector.KindPick, SID: menu.FormatSID(1)}, // no lease token -> rejected
		{Kind: selector.KindNoop},                          // ends the run
	}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
		Leases:   leases,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"danger"}})
	require.NoError(t, err)
	require.False(t, invoked)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
}

func TestRunDispatchesTieredToolWithValidLease(t *testing.T) {
	goals := goal.New()
	require.NoError(t, goals.Register(goal.Desc{ID: "goal.DEMO", CandidateTags: []string{"danger"}, RequiredSlots: []int{0}}))

	reg := toolreg.New()
	invoked := false
	require.NoError(t, reg.Register(
		toolreg.ToolDesc{AID: "AID.DANGER.v1", DisplayName: "Danger", Tags: []string{"danger"}, Tier: 2},
		func(ctx context.Context, ws *state.DSState, input map[string]any) error {
			invoked = true
			ws.Set(0, ptr(state.NewArtifact("text", "tool", "done")))
			return nil
		},
		false,
	))

	leases := lease.New(lease.Options{})
	tok, err := leases.Issue("AID.DANGER.v1", lease.TierSystem, 5000, "test")
	require.NoError(t, err)

	src := &scriptedSource{selections: []selector.Selection{{
		Kind:       selector.KindPick,
		SID:        menu.FormatSID(1),
		InputPatch: map[string]any{"_lease_token": tok.ID},
	}}}

	r, err := goalloop.New(goalloop.Options{
		Registry: reg,
		Goals:    goals,
		Selector: newDispatcher(t, src),
		Audit:    newAudit(),
		Leases:   leases,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), goalloop.Request{GoalID: "goal.DEMO", CandidateTags: []string{"danger"}})
	require.NoError(t, err)
	require.True(t, invoked)
	require.Equal(t, goalloop.StatusGoalDone, res.Status)
}

func ptr[T any](v T) *T { return &v }
