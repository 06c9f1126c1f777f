// Command machina-demo wires every runtime component together and drives
// the six scenarios named in spec §8, printing the audit trail and terminal
// Result for each one. It takes no flags (out of scope per spec §1); the
// scenario name is the sole positional argument.
//
// Usage:
//
//	machina-demo <s1|s2|s3|s4|s5|s6>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sisegod/machina/audit"
	"github.com/sisegod/machina/goalloop"
	"github.com/sisegod/machina/replay"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/xcrypto"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: machina-demo <s1|s2|s3|s4|s5|s6>")
		os.Exit(1)
	}
	if err := dispatch(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "machina-demo:", err)
		os.Exit(1)
	}
}

func dispatch(name string) error {
	switch name {
	case "s1":
		return runScenario("s1", scenarioS1())
	case "s2":
		return runScenario("s2", scenarioS2())
	case "s3":
		return runScenario("s3", scenarioS3())
	case "s4":
		return runScenario("s4", scenarioS4())
	case "s5":
		return runReplayDemo()
	case "s6":
		return runScenario("s6", scenarioS6())
	default:
		return fmt.Errorf("unknown scenario %q (want s1-s6)", name)
	}
}

// runScenario builds a Runner from sc, runs it to completion, and prints the
// audit trail followed by a one-line summary of the terminal Result.
func runScenario(name string, sc scenario) error {
	ctx := context.Background()

	fallback := &demoSource{script: sc.script}
	dispatcher, err := selector.NewDispatcher(selector.DispatcherOptions{Fallback: fallback})
	if err != nil {
		return err
	}

	var auditBuf bytes.Buffer
	runID, err := xcrypto.RandomHex(8)
	if err != nil {
		return err
	}
	log := audit.New(&auditBuf, audit.Options{ProfileID: "demo", RunID: runID})

	runner, err := goalloop.New(goalloop.Options{
		Registry: sc.registry,
		Goals:    sc.goals,
		Selector: dispatcher,
		Audit:    log,
		Leases:   sc.leases,
		Budget:   sc.budget,
	})
	if err != nil {
		return err
	}

	result, err := runner.Run(ctx, sc.request)
	if err != nil {
		return err
	}

	fmt.Printf("=== %s: audit trail ===\n%s", name, auditBuf.String())
	fmt.Printf("=== %s: result === status=%s reason=%q steps=%d\n", name, result.Status, result.Reason, result.Steps)
	return nil
}

// runReplayDemo runs scenarioS5 (a non-deterministic tool), then performs
// strict replay twice over the resulting audit log: once unmodified, to
// show the tool is replayed from its logged patch rather than re-invoked
// and that the reconstructed final DSState matches the live run's; once
// against a tampered log, to show strict replay fails closed and names the
// offending step and path (spec §8 "S5").
func runReplayDemo() error {
	ctx := context.Background()
	sc := scenarioS5()

	fallback := &demoSource{script: sc.script}
	dispatcher, err := selector.NewDispatcher(selector.DispatcherOptions{Fallback: fallback})
	if err != nil {
		return err
	}

	var auditBuf bytes.Buffer
	runID, err := xcrypto.RandomHex(8)
	if err != nil {
		return err
	}
	log := audit.New(&auditBuf, audit.Options{ProfileID: "demo", RunID: runID})

	runner, err := goalloop.New(goalloop.Options{
		Registry: sc.registry,
		Goals:    sc.goals,
		Selector: dispatcher,
		Audit:    log,
		Budget:   sc.budget,
	})
	if err != nil {
		return err
	}

	result, err := runner.Run(ctx, sc.request)
	if err != nil {
		return err
	}
	fmt.Printf("=== s5: audit trail ===\n%s", auditBuf.String())
	fmt.Printf("=== s5: result === status=%s steps=%d\n", result.Status, result.Steps)

	liveDigest, err := result.FinalWS.Digest()
	if err != nil {
		return err
	}

	summary, err := audit.Verify(bytes.NewReader(auditBuf.Bytes()))
	if err != nil {
		return fmt.Errorf("s5: structural replay: %w", err)
	}

	states, err := replay.Strict(ctx, summary.Entries, replay.Options{Registry: sc.registry})
	if err != nil {
		return fmt.Errorf("s5: strict replay: %w", err)
	}
	replayedDigest, err := states[len(states)-1].WS.Digest()
	if err != nil {
		return err
	}
	fmt.Printf("=== s5: strict replay (clean log) === live_digest=%s replayed_digest=%s match=%v\n",
		liveDigest, replayedDigest, liveDigest == replayedDigest)

	// Tamper with the logged patch's slot path for the tool_ok entry, then
	// show replay.Strict fails closed instead of silently accepting it.
	tampered := tamperTxPatchPath(summary.Entries)
	if _, err := replay.Strict(ctx, tampered, replay.Options{Registry: sc.registry}); err != nil {
		fmt.Printf("=== s5: strict replay (tampered log) === REPLAY_STRICT FAIL: %v\n", err)
	} else {
		fmt.Println("=== s5: strict replay (tampered log) === unexpectedly succeeded")
	}
	return nil
}

// tamperTxPatchPath returns a copy of entries with the first tool_ok
// entry's tx_patch[0].path corrupted to an out-of-range slot path, the way
// a single-byte edit to the audit file would.
func tamperTxPatchPath(entries []audit.Entry) []audit.Entry {
	out := make([]audit.Entry, len(entries))
	copy(out, entries)
	for i, e := range out {
		if e.Event != audit.EventToolOK {
			continue
		}
		patch, ok := e.Payload["tx_patch"].([]any)
		if !ok || len(patch) == 0 {
			continue
		}
		op, ok := patch[0].(map[string]any)
		if !ok {
			continue
		}
		// re-encode/decode to get a deep, mutation-safe copy of this entry's
		// payload before corrupting it.
		raw, _ := json.Marshal(e.Payload)
		var payloadCopy map[string]any
		_ = json.Unmarshal(raw, &payloadCopy)
		patchCopy := payloadCopy["tx_patch"].([]any)
		opCopy := patchCopy[0].(map[string]any)
		opCopy["path"] = "/slots/99"
		_ = op
		e.Payload = payloadCopy
		out[i] = e
		break
	}
	return out
}
