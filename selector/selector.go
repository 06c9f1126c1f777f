// Package selector implements the pluggable decision source (spec §4.H): a
// Menu, a goal digest, a state digest, a control mode, and the runner's
// current inputs go in; a Selection comes out. FallbackOnly is the built-in
// deterministic heuristic; Policy wraps an external subprocess (or, via
// selector/model, an in-process model-backed policy) behind a circuit
// breaker.
package selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sisegod/machina/menu"
)

// ControlMode selects how the runner combines the fallback and an external
// policy selector on each step (spec §4.H).
type ControlMode string

const (
	FallbackOnly ControlMode = "FallbackOnly"
	PolicyOnly   ControlMode = "PolicyOnly"
	Blended      ControlMode = "Blended"
	ShadowPolicy ControlMode = "ShadowPolicy"
)

// Kind discriminates the Selection variants.
type Kind string

const (
	KindPick    Kind = "Pick"
	KindAskSup  Kind = "AskSup"
	KindNoop    Kind = "Noop"
	KindInvalid Kind = "Invalid"
)

// Selection is the decision a Source returns for one step.
type Selection struct {
	Kind       Kind
	SID        string
	InputPatch map[string]any
	// Raw is the unparsed output the decision was derived from, if any
	// (used for audit logging of selector_chosen events).
	Raw string

	shadow *shadowResult
}

// Request bundles everything a Source needs to decide.
type Request struct {
	Menu        *menu.Menu
	GoalDigest  string
	StateDigest string
	ControlMode ControlMode
	Inputs      map[string]any
}

// Source is a decision source: the deterministic fallback, the external
// process policy, or an in-process model backend (selector/model).
type Source interface {
	Select(ctx context.Context, req Request) (Selection, error)
}

// Dispatcher wires the fallback and an optional external Source together
// per the four control modes.
type Dispatcher struct {
	fallback Source
	external Source
	breaker  *Breaker
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Fallback Source
	External Source
	Breaker  *Breaker
}

// NewDispatcher constructs a Dispatcher. Fallback is required; External and
// Breaker may be nil (required only for PolicyOnly/Blended/ShadowPolicy).
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Fallback == nil {
		return nil, fmt.Errorf("selector: fallback source is required")
	}
	return &Dispatcher{fallback: opts.Fallback, external: opts.External, breaker: opts.Breaker}, nil
}

// Select runs req through the control mode named in req.ControlMode.
func (d *Dispatcher) Select(ctx context.Context, req Request) (Selection, error) {
	switch req.ControlMode {
	case "", FallbackOnly:
		return d.fallback.Select(ctx, req)

	case PolicyOnly:
		if d.external == nil {
			return Selection{}, fmt.Errorf("selector: PolicyOnly requires an external source")
		}
		// A failing external source surfaces as an InvalidPick rather than
		// a fatal run error (spec §4.H "PolicyOnly"): unlike Blended, there
		// is no fallback to drop back to, so the failure must still resolve
		// to a Selection the runner can count against its invalid-pick
		// budget instead of aborting the run.
		sel, err := d.callExternal(ctx, req)
		if err != nil {
			return Selection{Kind: KindInvalid, Raw: err.Error()}, nil
		}
		return sel, nil

	case Blended:
		if d.external == nil {
			return d.fallback.Select(ctx, req)
		}
		sel, err := d.callExternal(ctx, req)
		if err != nil || sel.Kind == KindInvalid {
			return d.fallback.Select(ctx, req)
		}
		return sel, nil

	case ShadowPolicy:
		decision, err := d.fallback.Select(ctx, req)
		if d.external != nil {
			// Best-effort shadow call: its result is logged by the caller
			// (via the returned shadow selection) but never used to decide.
			shadow, shadowErr := d.callExternal(ctx, req)
			decision.shadow = &shadowResult{sel: shadow, err: shadowErr}
		}
		return decision, err

	default:
		return Selection{}, fmt.Errorf("selector: unknown control mode %q", req.ControlMode)
	}
}

type shadowResult struct {
	sel Selection
	err error
}

// ShadowResult returns the external selector's (unused) decision recorded
// during a ShadowPolicy call, if any.
func (s Selection) ShadowResult() (Selection, error, bool) {
	if s.shadow == nil {
		return Selection{}, nil, false
	}
	return s.shadow.sel, s.shadow.err, true
}

func (d *Dispatcher) callExternal(ctx context.Context, req Request) (Selection, error) {
	if d.breaker != nil && !d.breaker.Allow() {
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: circuit breaker open")
	}
	sel, err := d.external.Select(ctx, req)
	if err != nil || sel.Kind == KindInvalid {
		if d.breaker != nil {
			d.breaker.RecordFailure()
		}
		if err != nil {
			return Selection{Kind: KindInvalid}, err
		}
		return sel, nil
	}
	if d.breaker != nil {
		d.breaker.RecordSuccess()
	}
	return sel, nil
}

// Breaker is the selector's circuit breaker (spec §4.H "Circuit breaker"):
// consecutive failures trip it into a cooldown window during which calls
// short-circuit without invoking the external source.
type Breaker struct {
	mu              sync.Mutex
	threshold       int
	cooldown        time.Duration
	consecutiveFail int
	disabledUntil   time.Time
	now             func() time.Time
}

// NewBreaker constructs a Breaker that trips after threshold consecutive
// failures, staying disabled for cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether the external selector may currently be called.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabledUntil.IsZero() {
		return true
	}
	return !b.now().Before(b.disabledUntil)
}

// RecordFailure increments the consecutive failure count, tripping the
// breaker into cooldown once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++
	if b.consecutiveFail >= b.threshold {
		b.disabledUntil = b.now().Add(b.cooldown)
	}
}

// RecordSuccess resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.disabledUntil = time.Time{}
}

// Tripped reports whether the breaker is currently in its cooldown window.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabledUntil.IsZero() && b.now().Before(b.disabledUntil)
}
