// Package goalloop implements the central state machine (spec §4.J): per
// step it checks completion, enforces the step/invalid-pick/loop-guard
// budget, builds a menu, invokes the selector, applies a safe input-merge
// patch, gates dispatch behind the lease manager, runs the tool inside a
// transaction, and commits or rolls back.
package goalloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/errs"
	"github.com/sisegod/machina/goal"
	"github.com/sisegod/machina/lease"
	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/plugin"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
	"github.com/sisegod/machina/tx"
)

// Sentinel AIDs for the two terminal menu options that are always present
// (spec §4.J step 3).
const (
	NoopAID   = "AID.NOOP.v1"
	AskSupAID = "AID.ASK_SUP.v1"
)

// Budget bounds one run (spec §4.J).
type Budget struct {
	MaxSteps        int
	MaxInvalidPicks int
}

// DefaultBudget returns spec §4.J's stated defaults.
func DefaultBudget() Budget {
	return Budget{MaxSteps: 64, MaxInvalidPicks: 8}
}

// ToolHost routes dispatch for isolated AIDs to an out-of-process executor
// (spec §4.L's Subprocess Tool Host) instead of the in-proc invoker. It has
// the same shape as toolreg.Invoker so either can be called uniformly.
type ToolHost interface {
	Invoke(ctx context.Context, aid string, ws *state.DSState, input map[string]any) error
}

// Options configures a Runner.
type Options struct {
	Registry *toolreg.Registry
	Goals    *goal.Registry
	Selector *selector.Dispatcher
	Audit    *audit.Log

	// Leases, when set, enforces tier>0 tool dispatch behind a lease token
	// (spec §4.J step 7). Nil disables lease enforcement entirely.
	Leases *lease.Manager

	// Plugins and PluginDir, when both set, trigger a post-step rescan for
	// newly dropped shared libraries (spec §4.J step 10).
	Plugins   *plugin.Manager
	PluginDir string

	// IsolatedAIDs routes dispatch for these AIDs through Host instead of
	// the registry's in-proc invoker (spec §4.L).
	IsolatedAIDs map[string]struct{}
	Host         ToolHost

	// ToolInputAllowList, when set for an AID, restricts which patch keys a
	// selector pick may merge into inputs for that tool (spec §4.J step 6).
	ToolInputAllowList map[string][]string

	Budget Budget

	// InitialState, when set, seeds the run's DSState instead of starting
	// from an empty one (used by tests and by resumed runs).
	InitialState *state.DSState

	// Now, when set, overrides time.Now for deterministic tests.
	Now func() time.Time
}

// Runner drives one goal loop over a single DSState. A Runner is not safe
// for concurrent use: per spec §5, a run is single-threaded and its DSState
// is exclusively owned for the run's duration.
type Runner struct {
	opts Options
	ws   *state.DSState
	now  func() time.Time
}

// New constructs a Runner over a fresh DSState.
func New(opts Options) (*Runner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("goalloop: registry is required")
	}
	if opts.Goals == nil {
		return nil, fmt.Errorf("goalloop: goal registry is required")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("goalloop: selector dispatcher is required")
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("goalloop: audit log is required")
	}
	if opts.Budget.MaxSteps <= 0 {
		opts.Budget.MaxSteps = DefaultBudget().MaxSteps
	}
	if opts.Budget.MaxInvalidPicks <= 0 {
		opts.Budget.MaxInvalidPicks = DefaultBudget().MaxInvalidPicks
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ws := opts.InitialState
	if ws == nil {
		ws = state.New()
	}
	return &Runner{opts: opts, ws: ws, now: now}, nil
}

// Status is the terminal outcome of a Run.
type Status string

const (
	StatusGoalDone    Status = "goal_done"
	StatusBreakerTrip Status = "breaker_trip"
)

// Result is what Run returns on exit.
type Result struct {
	Status  Status
	Reason  string // set for StatusBreakerTrip: "max_steps", "max_invalid_picks", "loop_guard", "cancelled"
	Steps   int
	FinalWS *state.DSState
}

// Request is the subset of a decoded runrequest.Request the loop consumes.
// It is a plain struct (rather than an import of package runrequest) so
// goalloop has no dependency on the wire-decoding layer above it.
type Request struct {
	GoalID          string
	Inputs          map[string]any
	CandidateTags   []string
	ControlMode     selector.ControlMode
	CapabilityAllow []string
	CapabilityDeny  []string
}

var reservedInputPrefixes = []string{"_system", "_queue", "_meta"}

const leaseTokenKey = "_lease_token"

// Run executes the goal loop until completion, a budget trip, or ctx
// cancellation (checked at each step boundary, per spec §5).
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	inputs := cloneInputs(req.Inputs)
	invalidPicks := 0
	var recentPairs []string

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusBreakerTrip, Reason: "cancelled", Steps: step, FinalWS: r.ws}, nil
		}

		// Step 1: completion check.
		if goal.IsComplete(r.opts.Goals, req.GoalID, r.ws) {
			r.appendAudit(ctx, step, audit.EventGoalDone, map[string]any{"via": "completion"})
			return Result{Status: StatusGoalDone, Steps: step, FinalWS: r.ws}, nil
		}

		// Step 2: budget check.
		if step >= r.opts.Budget.MaxSteps {
			r.appendAudit(ctx, step, audit.EventBreakerTrip, map[string]any{"reason": "max_steps"})
			return Result{Status: StatusBreakerTrip, Reason: "max_steps", Steps: step, FinalWS: r.ws}, nil
		}
		if invalidPicks >= r.opts.Budget.MaxInvalidPicks {
			r.appendAudit(ctx, step, audit.EventBreakerTrip, map[string]any{"reason": "max_invalid_picks"})
			return Result{Status: StatusBreakerTrip, Reason: "max_invalid_picks", Steps: step, FinalWS: r.ws}, nil
		}

		// Step 3: menu construction.
		goalDesc, _ := r.opts.Goals.Lookup(req.GoalID)
		m := r.buildMenu(goalDesc, req)
		menuDigest, err := m.Digest()
		if err != nil {
			return Result{}, fmt.Errorf("goalloop: menu digest: %w", err)
		}
		r.appendAudit(ctx, step, audit.EventMenuBuilt, map[string]any{"menu_digest": menuDigest, "size": len(m.Items)})

		stateDigest, err := r.ws.Digest()
		if err != nil {
			return Result{}, fmt.Errorf("goalloop: state digest: %w", err)
		}

		if tripped, reason := trackLoopGuard(&recentPairs, menuDigest, stateDigest); tripped {
			r.appendAudit(ctx, step, audit.EventBreakerTrip, map[string]any{"reason": reason})
			return Result{Status: StatusBreakerTrip, Reason: reason, Steps: step, FinalWS: r.ws}, nil
		}

		// Step 4: selection.
		goalDigest := req.GoalID + "|" + menuDigest + "|FLAGS:" + string(req.ControlMode)
		r.appendAudit(ctx, step, audit.EventSelectorInvoked, map[string]any{
			"goal_digest": goalDigest, "state_digest": stateDigest, "control_mode": req.ControlMode,
		})
		sel, err := r.opts.Selector.Select(ctx, selector.Request{
			Menu: m, GoalDigest: goalDigest, StateDigest: stateDigest,
			ControlMode: req.ControlMode, Inputs: inputs,
		})
		if err != nil {
			return Result{}, errs.New(errs.KindSelectorFailure, "goalloop.select", err)
		}
		r.appendAudit(ctx, step, audit.EventSelectorChosen, map[string]any{"kind": sel.Kind, "sid": sel.SID, "raw": sel.Raw})

		// Step 5: interpret result.
		switch sel.Kind {
		case selector.KindNoop:
			r.appendAudit(ctx, step, audit.EventGoalDone, map[string]any{"via": "noop"})
			return Result{Status: StatusGoalDone, Steps: step, FinalWS: r.ws}, nil
		case selector.KindAskSup:
			r.ws.Set(1, ptr(state.NewArtifact("supervisor_request", "goalloop", fmt.Sprintf(`{"goal_id":%q,"step":%d}`, req.GoalID, step))))
			r.appendAudit(ctx, step, audit.EventGoalDone, map[string]any{"via": "ask_sup"})
			return Result{Status: StatusGoalDone, Steps: step, FinalWS: r.ws}, nil
		case selector.KindInvalid:
			invalidPicks++
			r.appendAudit(ctx, step, audit.EventInvalidPick, map[string]any{"source": "selector", "raw": sel.Raw})
			continue
		}

		item, ok := m.ByDisplaySID(sel.SID)
		if !ok {
			invalidPicks++
			r.appendAudit(ctx, step, audit.EventInvalidPick, map[string]any{"source": "selector", "reason": "unknown_sid", "sid": sel.SID})
			continue
		}
		aid := item.AID

		// Step 6: input patch (safe merge).
		merged, applied := safeMerge(inputs, sel.InputPatch, r.opts.ToolInputAllowList[aid])
		inputs = merged
		if len(applied) > 0 {
			// The full applied patch (not just its keys) is logged so strict
			// replay (spec §4.K) can reconstruct inputs from inputs_patched
			// events alone, without access to the original selector.
			r.appendAudit(ctx, step, audit.EventInputsPatched, map[string]any{"aid": aid, "patch": applied})
		}

		// Step 7: lease check.
		desc, invoker, found := r.opts.Registry.Lookup(aid)
		if !found {
			invalidPicks++
			r.appendAudit(ctx, step, audit.EventInvalidPick, map[string]any{"source": "selector", "reason": "unknown_aid", "aid": aid})
			continue
		}
		if r.opts.Leases != nil && desc.Tier > 0 {
			token, _ := inputs[leaseTokenKey].(string)
			if token == "" {
				r.appendAudit(ctx, step, audit.EventToolError, map[string]any{"aid": aid, "reason": "lease_required", "tier": desc.Tier})
				continue
			}
			if err := r.opts.Leases.VerifyAndConsume(token, aid); err != nil {
				r.appendAudit(ctx, step, audit.EventToolError, map[string]any{"aid": aid, "reason": "lease_rejected", "detail": err.Error()})
				continue
			}
		}

		// Step 8: dispatch.
		r.appendAudit(ctx, step, audit.EventToolInvoked, map[string]any{"aid": aid})
		if err := toolreg.ValidatePayload(desc, inputs); err != nil {
			invalidPicks++
			r.appendAudit(ctx, step, audit.EventInvalidPick, map[string]any{"source": "tool", "aid": aid, "reason": err.Error()})
			continue
		}

		start := r.now()
		txn := tx.Begin(r.ws)
		var dispatchErr error
		if _, isolated := r.opts.IsolatedAIDs[aid]; isolated && r.opts.Host != nil {
			dispatchErr = r.opts.Host.Invoke(ctx, aid, txn.Working(), inputs)
		} else {
			dispatchErr = invoker(ctx, txn.Working(), inputs)
		}
		duration := r.now().Sub(start)

		// Step 9: commit or rollback.
		switch {
		case dispatchErr == nil:
			patch, err := txn.Commit(r.ws)
			if err != nil {
				return Result{}, errs.New(errs.KindPatchApplyFailure, "goalloop.commit", err)
			}
			r.appendAudit(ctx, step, audit.EventToolOK, map[string]any{
				"aid": aid, "duration_ms": float64(duration.Milliseconds()), "status": "OK", "tx_patch": patch,
			})
		case errs.Is(dispatchErr, errs.KindInvalidPick):
			_ = txn.Rollback()
			invalidPicks++
			r.appendAudit(ctx, step, audit.EventInvalidPick, map[string]any{"source": "tool", "aid": aid, "detail": dispatchErr.Error()})
		default:
			_ = txn.Rollback()
			r.appendAudit(ctx, step, audit.EventToolError, map[string]any{"aid": aid, "error": dispatchErr.Error()})
		}

		// Step 10: post-step plugin rescan.
		if r.opts.Plugins != nil && r.opts.PluginDir != "" {
			_, _ = r.opts.Plugins.LoadNewFromDir(r.opts.PluginDir)
		}
	}
}

func (r *Runner) appendAudit(ctx context.Context, step int, event string, payload map[string]any) {
	_, _ = r.opts.Audit.Append(ctx, step, event, payload)
}

// buildMenu assembles the candidate menu: registry tools whose tags
// intersect the goal's candidate tags (or the request's, if the goal
// itself declares none), always including the NOOP and ASK_SUP terminal
// options, filtered by the request's capability allow/deny patterns.
func (r *Runner) buildMenu(goalDesc goal.Desc, req Request) *menu.Menu {
	tags := goalDesc.CandidateTags
	if len(tags) == 0 {
		tags = req.CandidateTags
	}
	candidates := r.opts.Registry.ByTags(tags)

	var items []menu.Item
	for _, d := range candidates {
		if !capabilityAllowed(d.AID, req.CapabilityAllow, req.CapabilityDeny) {
			continue
		}
		items = append(items, menu.Item{AID: d.AID, Name: d.DisplayName, Tags: d.Tags})
	}
	if capabilityAllowed(NoopAID, req.CapabilityAllow, req.CapabilityDeny) {
		items = append(items, menu.Item{AID: NoopAID, Name: "No-op", Tags: []string{"terminal"}})
	}
	if capabilityAllowed(AskSupAID, req.CapabilityAllow, req.CapabilityDeny) {
		items = append(items, menu.Item{AID: AskSupAID, Name: "Ask supervisor", Tags: []string{"terminal"}})
	}
	return menu.New(items)
}

// capabilityAllowed applies the request's allow/deny pattern lists (spec
// §4.J step 3): a menu item survives iff (no allow list, or aid matches some
// allow pattern) AND (no deny list, or aid matches no deny pattern).
func capabilityAllowed(aid string, allow, deny []string) bool {
	if len(allow) > 0 && !matchesAny(aid, allow) {
		return false
	}
	if len(deny) > 0 && matchesAny(aid, deny) {
		return false
	}
	return true
}

func matchesAny(aid string, patterns []string) bool {
	for _, p := range patterns {
		if matchesPattern(aid, p) {
			return true
		}
	}
	return false
}

// matchesPattern implements the two pattern shapes spec §4.J step 3 allows:
// an exact AID string, or a "prefix.*" wildcard.
func matchesPattern(aid, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(aid, prefix+".")
	}
	return aid == pattern
}

// safeMerge shallow-merges patch into inputs, key by key: any key starting
// with a reserved prefix is rejected, and any key not in allowList (when
// allowList is non-empty) is rejected, except the lease-token key, which is
// always let through regardless of allowList so the lease check (step 7)
// can still see it (spec §4.J step 6/7). It returns the merged inputs and
// the subset of patch that was actually accepted.
func safeMerge(inputs map[string]any, patch map[string]any, allowList []string) (map[string]any, map[string]any) {
	out := cloneInputs(inputs)
	applied := make(map[string]any, len(patch))
	allowed := toSet(allowList)
	for k, v := range patch {
		if hasReservedPrefix(k) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[k]; !ok && k != leaseTokenKey {
				continue
			}
		}
		out[k] = v
		applied[k] = v
	}
	return out, applied
}

func hasReservedPrefix(key string) bool {
	for _, p := range reservedInputPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

func cloneInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// trackLoopGuard appends the (menuDigest, stateDigest) pair to recent and
// reports whether the same pair has now appeared three times in a row,
// keeping recent bounded to the last 3 entries.
func trackLoopGuard(recent *[]string, menuDigest, stateDigest string) (bool, string) {
	pair := menuDigest + "|" + stateDigest
	*recent = append(*recent, pair)
	if len(*recent) > 3 {
		*recent = (*recent)[len(*recent)-3:]
	}
	if len(*recent) == 3 && (*recent)[0] == pair && (*recent)[1] == pair {
		return true, "loop_guard"
	}
	return false, ""
}

func ptr[T any](v T) *T { return &v }
