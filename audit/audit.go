// Package audit implements the append-only, hash-chained JSONL event log
// described in spec §4.C: every line records one step event, chained to the
// previous line's hash via SHA-256, so a single-byte edit anywhere in the
// file is detectable.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sisegod/machina/hooks"
	"github.com/sisegod/machina/internal/canon"
	"github.com/sisegod/machina/telemetry"
	"github.com/sisegod/machina/xcrypto"
)

// EventBus is the subset of hooks.Bus a Log needs to mirror entries to
// secondary sinks (e.g. audit.MongoIndexer) after each successful append.
type EventBus interface {
	Publish(ctx context.Context, event hooks.Event) error
}

// Event names, emitted in this order per run (spec §4.C).
const (
	EventRunStart        = "run_start"
	EventMenuBuilt       = "menu_built"
	EventSelectorInvoked = "selector_invoked"
	EventSelectorChosen  = "selector_chosen"
	EventInputsPatched   = "inputs_patched"
	EventToolInvoked     = "tool_invoked"
	EventToolOK          = "tool_ok"
	EventToolError       = "tool_error"
	EventInvalidPick     = "invalid_pick"
	EventGoalDone        = "goal_done"
	EventBreakerTrip     = "breaker_trip"
)

const specVersion = "1.0"

// Entry is one audit-log line (spec §6 "Audit log format").
type Entry struct {
	SpecVersion string         `json:"spec_version"`
	ProfileID   string         `json:"profile_id"`
	RunID       string         `json:"run_id"`
	RequestID   string         `json:"request_id,omitempty"`
	Step        int            `json:"step"`
	Event       string         `json:"event"`
	TS          int64          `json:"ts"`
	ChainPrev   string         `json:"chain_prev"`
	ChainHash   string         `json:"chain_hash"`
	Payload     map[string]any `json:"payload"`
}

// Options configure a Log.
type Options struct {
	ProfileID string
	RunID     string
	RequestID string
	Logger    telemetry.Logger
	Tracer    telemetry.Tracer
	// Bus, when set, receives a mirrored hooks.Event after every
	// successfully written line. The JSONL file remains the record of
	// truth; Bus publication failures propagate to the caller of Append
	// the same way a write failure would, since a registered critical
	// subscriber (e.g. durable Mongo mirroring) may need to halt the run.
	Bus EventBus
	// Now, when set, overrides time.Now for deterministic tests.
	Now func() time.Time
}

// Log appends hash-chained entries to a single writer and is safe for
// concurrent use: appends are serialized under an internal mutex, per spec
// §5 ("Audit log appends are serialized under a per-logger mutex").
type Log struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	profileID string
	runID     string
	requestID string
	chainPrev string
	now       func() time.Time
	logger    telemetry.Logger
	tracer    telemetry.Tracer
	bus       EventBus
}

// Open creates (or truncates) the audit-log file run_<run_id>.jsonl under
// dir, per spec §6 "Persisted state layout".
func Open(dir string, opts Options) (*Log, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("audit: open: run id is required")
	}
	path := fmt.Sprintf("%s/run_%s.jsonl", dir, opts.RunID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	l := New(f, opts)
	l.closer = f
	return l, nil
}

// New wraps an arbitrary writer as a Log. The caller owns closing w if it
// implements io.Closer; Open does this automatically for file-backed logs.
func New(w io.Writer, opts Options) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		w:         w,
		profileID: opts.ProfileID,
		runID:     opts.RunID,
		requestID: opts.RequestID,
		now:       now,
		logger:    logger,
		tracer:    tracer,
		bus:       opts.Bus,
	}
}

// Close closes the underlying writer if it implements io.Closer.
func (l *Log) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Append writes one event line, computing its chain_hash from the previous
// line's chain_hash (empty for the first line of a run) and the canonical
// JSON of the event without the chain fields themselves.
func (l *Log) Append(ctx context.Context, step int, event string, payload map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "audit.append")
	defer span.End()
	span.SetAttr("audit.event", event)

	entry := Entry{
		SpecVersion: specVersion,
		ProfileID:   l.profileID,
		RunID:       l.runID,
		RequestID:   l.requestID,
		Step:        step,
		Event:       event,
		TS:          l.now().UnixMilli(),
		ChainPrev:   l.chainPrev,
		Payload:     payload,
	}

	hashable, err := canon.Marshal(chainableView(entry))
	if err != nil {
		span.SetError(err)
		return Entry{}, fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	entry.ChainHash = xcrypto.SHA256Hex(append([]byte(l.chainPrev), hashable...))

	line, err := json.Marshal(entry)
	if err != nil {
		span.SetError(err)
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.w.Write(line); err != nil {
		span.SetError(err)
		l.logger.Error(ctx, "audit append failed", "event", event, "err", err)
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.chainPrev = entry.ChainHash

	if l.bus != nil {
		ev := hooks.Event{
			RunID:     entry.RunID,
			Step:      entry.Step,
			Name:      entry.Event,
			TS:        entry.TS,
			ChainHash: entry.ChainHash,
			Payload:   entry.Payload,
		}
		if err := l.bus.Publish(ctx, ev); err != nil {
			return Entry{}, fmt.Errorf("audit: publish mirror event: %w", err)
		}
	}
	return entry, nil
}

// chainableView returns the subset of fields hashed into chain_hash: every
// field except chain_prev and chain_hash themselves.
func chainableView(e Entry) map[string]any {
	return map[string]any{
		"spec_version": e.SpecVersion,
		"profile_id":   e.ProfileID,
		"run_id":       e.RunID,
		"request_id":   e.RequestID,
		"step":         e.Step,
		"event":        e.Event,
		"ts":           e.TS,
		"payload":      e.Payload,
	}
}

// Summary reports the results of structural replay (spec §4.K): per-event
// counts, per-AID ok/error/duration totals, and the count of broken chain
// links.
type Summary struct {
	EventCounts     map[string]int       `json:"event_counts"`
	PerAID          map[string]*AIDTotals `json:"per_aid"`
	ChainLinkErrors int                  `json:"chain_link_errors"`
	Entries         []Entry              `json:"-"`
}

// AIDTotals aggregates tool outcomes for a single AID across a run.
type AIDTotals struct {
	OK              int   `json:"ok"`
	Error           int   `json:"error"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

// Verify performs structural replay: it parses each line, verifies chain
// links, and reports a Summary (spec §4.K "Structural replay").
func Verify(r io.Reader) (Summary, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	sum := Summary{
		EventCounts: map[string]int{},
		PerAID:      map[string]*AIDTotals{},
	}
	prevHash := ""
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return sum, fmt.Errorf("audit: verify: parse line %d: %w", len(sum.Entries)+1, err)
		}
		if e.ChainPrev != prevHash {
			sum.ChainLinkErrors++
		}
		prevHash = e.ChainHash
		sum.Entries = append(sum.Entries, e)
		sum.EventCounts[e.Event]++

		if e.Event == EventToolOK || e.Event == EventToolError {
			aid, _ := e.Payload["aid"].(string)
			if aid == "" {
				continue
			}
			totals, ok := sum.PerAID[aid]
			if !ok {
				totals = &AIDTotals{}
				sum.PerAID[aid] = totals
			}
			if e.Event == EventToolOK {
				totals.OK++
			} else {
				totals.Error++
			}
			if d, ok := e.Payload["duration_ms"].(float64); ok {
				totals.TotalDurationMS += int64(d)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("audit: verify: scan: %w", err)
	}
	return sum, nil
}
