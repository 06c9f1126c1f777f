package model

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so callers can pass either a real client
// or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic-backed Completer.
type AnthropicOptions struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// RateLimitPerSec and RateLimitBurst bound how many Messages API calls
	// per second Complete permits; zero disables rate limiting.
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Anthropic is a Completer backed by the Anthropic Messages API. Unlike the
// teacher's full planner client, this issues a single non-streaming,
// tool-free completion: the selector grammar is carried entirely in the
// prompt text, so no tool-call translation is needed.
type Anthropic struct {
	msg     MessagesClient
	opts    AnthropicOptions
	limiter *rate.Limiter
}

// NewAnthropic wraps msg as a Completer.
func NewAnthropic(msg MessagesClient, opts AnthropicOptions) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("model: anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model: anthropic model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Anthropic{msg: msg, opts: opts, limiter: newRateLimiter(opts.RateLimitPerSec, opts.RateLimitBurst)}, nil
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	if a.limiter != nil && !a.limiter.Allow() {
		return "", fmt.Errorf("model: anthropic rate limit exceeded")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.opts.Model),
		MaxTokens: a.opts.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if a.opts.Temperature > 0 {
		params.Temperature = sdk.Float(a.opts.Temperature)
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("model: anthropic messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
