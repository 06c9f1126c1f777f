package model

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"golang.org/x/time/rate"
)

// ChatClient captures the subset of the openai-go client used here. It is
// satisfied by *openai.Client's Chat.Completions service so callers can pass
// either a real client or a mock in tests.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// OpenAIOptions configures the OpenAI-backed Completer.
type OpenAIOptions struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// RateLimitPerSec and RateLimitBurst bound how many chat completion
	// calls per second Complete permits; zero disables rate limiting.
	RateLimitPerSec float64
	RateLimitBurst  int
}

// OpenAI is a Completer backed by the OpenAI Chat Completions API. As with
// the Anthropic and Bedrock backends, this issues a single-turn, tool-free
// completion and relies entirely on the prompt text to carry the selector
// grammar.
type OpenAI struct {
	chat    ChatClient
	opts    OpenAIOptions
	limiter *rate.Limiter
}

// NewOpenAI wraps chat as a Completer.
func NewOpenAI(chat ChatClient, opts OpenAIOptions) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("model: openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model: openai model identifier is required")
	}
	return &OpenAI{chat: chat, opts: opts, limiter: newRateLimiter(opts.RateLimitPerSec, opts.RateLimitBurst)}, nil
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	if o.limiter != nil && !o.limiter.Allow() {
		return "", fmt.Errorf("model: openai rate limit exceeded")
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if o.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(o.opts.MaxTokens)
	}
	if o.opts.Temperature > 0 {
		params.Temperature = openai.Float(o.opts.Temperature)
	}
	resp, err := o.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("model: openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model: openai chat completion: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
