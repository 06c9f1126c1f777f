package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/hooks"
)

var errBoom = errors.New("boom")

func ctxBG() context.Context { return context.Background() }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendChainsHashes(t *testing.T) {
	var buf bytes.Buffer
	log := audit.New(&buf, audit.Options{
		ProfileID: "demo",
		RunID:     "r1",
		Now:       fixedClock(time.Unix(0, 0)),
	})

	e1, err := log.Append(ctxBG(), 0, audit.EventRunStart, map[string]any{"goal": "answer"})
	require.NoError(t, err)
	require.Empty(t, e1.ChainPrev)
	require.NotEmpty(t, e1.ChainHash)

	e2, err := log.Append(ctxBG(), 1, audit.EventMenuBuilt, map[string]any{"aids": []string{"search"}})
	require.NoError(t, err)
	require.Equal(t, e1.ChainHash, e2.ChainPrev)
	require.NotEqual(t, e1.ChainHash, e2.ChainHash)

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var parsed audit.Entry
	require.NoError(t, json.Unmarshal(lines[0], &parsed))
	require.Equal(t, "run_start", parsed.Event)
}

func TestAppendSameContentDifferentStepDiffersChain(t *testing.T) {
	var buf bytes.Buffer
	log := audit.New(&buf, audit.Options{RunID: "r1", Now: fixedClock(time.Unix(0, 0))})

	e1, err := log.Append(ctxBG(), 0, audit.EventToolInvoked, map[string]any{"aid": "x"})
	require.NoError(t, err)
	e2, err := log.Append(ctxBG(), 1, audit.EventToolInvoked, map[string]any{"aid": "x"})
	require.NoError(t, err)
	require.NotEqual(t, e1.ChainHash, e2.ChainHash)
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	var buf bytes.Buffer
	log := audit.New(&buf, audit.Options{RunID: "r1", Now: fixedClock(time.Unix(0, 0))})
	_, err := log.Append(ctxBG(), 0, audit.EventRunStart, nil)
	require.NoError(t, err)
	_, err = log.Append(ctxBG(), 1, audit.EventMenuBuilt, nil)
	require.NoError(t, err)
	_, err = log.Append(ctxBG(), 2, audit.EventSelectorInvoked, nil)
	require.NoError(t, err)

	clean := bytes.Clone(buf.Bytes())
	sum, err := audit.Verify(bytes.NewReader(clean))
	require.NoError(t, err)
	require.Zero(t, sum.ChainLinkErrors)
	require.Equal(t, 1, sum.EventCounts[audit.EventRunStart])

	// Overwrite the middle line's chain_prev, simulating a dropped line
	// before it. Its chain_hash is left as recorded, so the link from the
	// middle line to the last one stays intact and exactly one link breaks.
	lines := bytes.Split(bytes.TrimRight(clean, "\n"), []byte("\n"))
	var mid audit.Entry
	require.NoError(t, json.Unmarshal(lines[1], &mid))
	mid.ChainPrev = "deadbeef"
	corrupted, err := json.Marshal(mid)
	require.NoError(t, err)
	lines[1] = corrupted

	var out bytes.Buffer
	for _, l := range lines {
		out.Write(l)
		out.WriteByte('\n')
	}

	sum, err = audit.Verify(&out)
	require.NoError(t, err)
	require.Equal(t, 1, sum.ChainLinkErrors)
}

func TestVerifyAggregatesPerAIDTotals(t *testing.T) {
	var buf bytes.Buffer
	log := audit.New(&buf, audit.Options{RunID: "r1", Now: fixedClock(time.Unix(0, 0))})
	_, err := log.Append(ctxBG(), 0, audit.EventToolOK, map[string]any{"aid": "search", "duration_ms": float64(12)})
	require.NoError(t, err)
	_, err = log.Append(ctxBG(), 1, audit.EventToolError, map[string]any{"aid": "search", "duration_ms": float64(8)})
	require.NoError(t, err)

	sum, err := audit.Verify(&buf)
	require.NoError(t, err)
	totals := sum.PerAID["search"]
	require.NotNil(t, totals)
	require.Equal(t, 1, totals.OK)
	require.Equal(t, 1, totals.Error)
	require.EqualValues(t, 20, totals.TotalDurationMS)
}

type stubBus struct {
	events []hooks.Event
	err    error
}

func (s *stubBus) Publish(ctx context.Context, e hooks.Event) error {
	s.events = append(s.events, e)
	return s.err
}

func TestAppendMirrorsToBus(t *testing.T) {
	var buf bytes.Buffer
	bus := &stubBus{}
	log := audit.New(&buf, audit.Options{RunID: "r1", Bus: bus, Now: fixedClock(time.Unix(0, 0))})

	_, err := log.Append(ctxBG(), 0, audit.EventGoalDone, map[string]any{"via": "noop"})
	require.NoError(t, err)
	require.Len(t, bus.events, 1)
	require.Equal(t, audit.EventGoalDone, bus.events[0].Name)
}

func TestAppendPropagatesBusError(t *testing.T) {
	var buf bytes.Buffer
	bus := &stubBus{err: errBoom}
	log := audit.New(&buf, audit.Options{RunID: "r1", Bus: bus, Now: fixedClock(time.Unix(0, 0))})

	_, err := log.Append(ctxBG(), 0, audit.EventGoalDone, nil)
	require.Error(t, err)
}
