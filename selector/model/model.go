// Package model implements an in-process Selector Source backed directly by
// a language-model SDK, as an alternative to selector.ProcessSource's
// subprocess boundary: the external policy runs as an ordinary model
// completion call instead of a spawned script. Completer is the narrow seam
// every provider backend implements; Source turns a completion's raw text
// into a selector.Selection via selector.ParseOutput, the same grammar the
// subprocess selector uses.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/selector"
)

// Completer is the minimal capability this package needs from a
// model-provider SDK: turn a prompt into a single text completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Source adapts a Completer into a selector.Source: it renders the
// selection request as a prompt describing the grammar, goal/state digests,
// control mode, inputs, and menu, then parses the completion's text via the
// same output grammar the subprocess selector uses.
type Source struct {
	completer Completer
}

// New wraps completer as a selector.Source.
func New(completer Completer) *Source {
	return &Source{completer: completer}
}

// Select implements selector.Source.
func (s *Source) Select(ctx context.Context, req selector.Request) (selector.Selection, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return selector.Selection{Kind: selector.KindInvalid}, fmt.Errorf("model: render prompt: %w", err)
	}
	text, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return selector.Selection{Kind: selector.KindInvalid}, fmt.Errorf("model: complete: %w", err)
	}
	return selector.ParseOutput(text, req.Menu), nil
}

const promptTemplate = `You are the policy selector for an autonomous tool runner.
Respond with exactly one of these blocks, nothing else:
  <PICK>SIDdddd<END>
  <PICK>SIDdddd<INP>{...json object...}</INP><END>
  <ASK_SUP><END>
  <NOOP><END>

goal_digest: %s
state_digest: %s
control_mode: %s
inputs: %s
menu: %s
`

// newRateLimiter builds the token-bucket limiter shared by the provider
// backends, bounding API calls per second. A non-positive perSec disables
// rate limiting (nil limiter), mirroring package plugin's load limiter.
func newRateLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func renderPrompt(req selector.Request) (string, error) {
	inputs, err := json.Marshal(req.Inputs)
	if err != nil {
		return "", err
	}
	items := []menu.Item{}
	if req.Menu != nil {
		items = req.Menu.Items
	}
	menuJSON, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(promptTemplate, req.GoalDigest, req.StateDigest, req.ControlMode, inputs, menuJSON), nil
}
