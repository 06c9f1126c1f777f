package main

import (
	"context"
	"fmt"

	"github.com/sisegod/machina/goal"
	"github.com/sisegod/machina/goalloop"
	"github.com/sisegod/machina/lease"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
)

// demoSource is a scripted selector.Source: it picks the menu item matching
// each AID in script, in order, repeating the last entry once the script is
// exhausted (so a scenario demonstrating the loop guard or lease gating can
// just name the tool once and let the engine keep re-selecting it). The
// sentinel entries "_noop" and "_invalid" force the corresponding Selection
// Kind, and "_unknown_sid" picks SID9999, all without consulting the menu.
type demoSource struct {
	script []string
	i      int
}

func (s *demoSource) Select(ctx context.Context, req selector.Request) (selector.Selection, error) {
	want := ""
	switch {
	case s.i < len(s.script):
		want = s.script[s.i]
		s.i++
	case len(s.script) > 0:
		want = s.script[len(s.script)-1]
	default:
		return selector.Selection{Kind: selector.KindNoop}, nil
	}

	switch want {
	case "_noop":
		return selector.Selection{Kind: selector.KindNoop}, nil
	case "_invalid":
		return selector.Selection{Kind: selector.KindInvalid, Raw: "scripted invalid pick"}, nil
	case "_unknown_sid":
		return selector.Selection{Kind: selector.KindPick, SID: "SID9999"}, nil
	}

	if req.Menu != nil {
		for _, item := range req.Menu.Items {
			if item.AID == want {
				return selector.Selection{Kind: selector.KindPick, SID: item.SID}, nil
			}
		}
	}
	return selector.Selection{Kind: selector.KindInvalid, Raw: "aid not offered: " + want}, nil
}

// scenario bundles everything runScenario needs to wire a Runner for one of
// spec §8's demo scenarios.
type scenario struct {
	registry *toolreg.Registry
	goals    *goal.Registry
	script   []string
	budget   goalloop.Budget
	leases   *lease.Manager
	request  goalloop.Request
}

const demoGoalID = "goal.demo.v1"

func newRegistryAndGoal(desc goal.Desc) (*toolreg.Registry, *goal.Registry) {
	reg := toolreg.New()
	goals := goal.New()
	if err := goals.Register(desc); err != nil {
		panic(err) // demo-only: a fixed, known-good Desc never fails registration
	}
	return reg, goals
}

// scenarioS1 - Error scan: one tool_ok carrying matches, then goal_done via
// the completion predicate (spec §8 "S1").
func scenarioS1() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"scan"},
		RequiredSlots: []int{0},
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.SCAN_ERRORS.v1",
		DisplayName:   "Scan logs for errors",
		Deterministic: true,
		SideEffects:   []string{"none"},
		Tags:          []string{"scan"},
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		art := state.NewArtifact("error_matches", "scan", `{"matches":["NPE at line 42","timeout at line 118"]}`)
		ws.Set(0, &art)
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script: []string{"AID.SCAN_ERRORS.v1"},
		budget: goalloop.DefaultBudget(),
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"scan"}},
	}
}

// scenarioS2 - Budget trip: a tool that keeps succeeding (mutating state
// differently each time, so the loop guard never fires) until MaxSteps is
// reached (spec §8 "S2").
func scenarioS2() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"counter"},
		RequiredSlots: []int{7}, // never populated: this goal never completes on its own
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.TICK.v1",
		DisplayName:   "Advance a counter",
		Deterministic: true,
		SideEffects:   []string{"none"},
		Tags:          []string{"counter"},
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		prev, _ := ws.Get(0)
		n := 0
		if prev != nil {
			fmt.Sscanf(prev.Content, "%d", &n)
		}
		art := state.NewArtifact("counter", "tick", fmt.Sprintf("%d", n+1))
		ws.Set(0, &art)
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script: []string{"AID.TICK.v1"},
		budget: goalloop.Budget{MaxSteps: 3, MaxInvalidPicks: goalloop.DefaultBudget().MaxInvalidPicks},
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"counter"}},
	}
}

// scenarioS3 - Loop guard: a side-effect-free tool repeatedly re-selected
// produces an identical (menu_digest, state_digest) pair every step, which
// trips the loop guard on the third repetition (spec §8 "S3").
func scenarioS3() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"loopy"},
		RequiredSlots: []int{7},
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.NOTHING.v1",
		DisplayName:   "Do nothing",
		Deterministic: true,
		SideEffects:   []string{"none"},
		Tags:          []string{"loopy"},
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script: []string{"AID.NOTHING.v1"},
		budget: goalloop.DefaultBudget(),
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"loopy"}},
	}
}

// scenarioS4 - Invalid pick quota: two scripted invalid picks trip the
// breaker once MaxInvalidPicks is reached (spec §8 "S4").
func scenarioS4() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"scan"},
		RequiredSlots: []int{0},
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.SCAN_ERRORS.v1",
		DisplayName:   "Scan logs for errors",
		Deterministic: true,
		SideEffects:   []string{"none"},
		Tags:          []string{"scan"},
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		art := state.NewArtifact("error_matches", "scan", `{"matches":[]}`)
		ws.Set(0, &art)
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script: []string{"_invalid", "_invalid"},
		budget: goalloop.Budget{MaxSteps: goalloop.DefaultBudget().MaxSteps, MaxInvalidPicks: 2},
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"scan"}},
	}
}

// scenarioS5 - Strict replay of a non-deterministic tool: run separately in
// runReplayDemo, which needs the registry/goal built the same way.
func scenarioS5() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"fetch"},
		RequiredSlots: []int{0},
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.FETCH_REMOTE.v1",
		DisplayName:   "Fetch a remote resource",
		Deterministic: false, // side-effecting / non-reproducible by re-execution
		SideEffects:   []string{"network"},
		Tags:          []string{"fetch"},
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		art := state.NewArtifact("fetched_doc", "https://example.invalid/doc", `{"etag":"W/\"abc123\"","body":"hello"}`)
		ws.Set(0, &art)
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script: []string{"AID.FETCH_REMOTE.v1"},
		budget: goalloop.DefaultBudget(),
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"fetch"}},
	}
}

// scenarioS6 - Lease gating: a tier-2 tool is picked repeatedly with no
// _lease_token input, so every dispatch is rejected at goal-loop step 7
// before the tool ever runs (spec §8 "S6"). Enforcement is driven by the
// scenario's lease.Manager being non-nil, mirroring how Options.Leases
// gates tier>0 AIDs in the real runner.
func scenarioS6() scenario {
	reg, goals := newRegistryAndGoal(goal.Desc{
		ID:            demoGoalID,
		CandidateTags: []string{"system"},
		RequiredSlots: []int{0},
	})
	must(reg.Register(toolreg.ToolDesc{
		AID:           "AID.RUN_SHELL.v1",
		DisplayName:   "Run a shell command",
		Deterministic: false,
		SideEffects:   []string{"filesystem"},
		Tags:          []string{"system"},
		Tier:          2,
	}, func(ctx context.Context, ws *state.DSState, input map[string]any) error {
		art := state.NewArtifact("shell_output", "shell", `{"stdout":"should never run"}`)
		ws.Set(0, &art)
		return nil
	}, false))

	return scenario{
		registry: reg, goals: goals,
		script:  []string{"AID.RUN_SHELL.v1"},
		budget:  goalloop.DefaultBudget(),
		leases:  lease.New(lease.Options{}),
		request: goalloop.Request{GoalID: demoGoalID, CandidateTags: []string{"system"}},
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
