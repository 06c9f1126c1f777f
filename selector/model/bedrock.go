package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"golang.org/x/time/rate"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used
// here. It matches *bedrockruntime.Client so callers can pass either the real
// client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockOptions configures the Bedrock-backed Completer.
type BedrockOptions struct {
	Model       string
	MaxTokens   int32
	Temperature float32
	// RateLimitPerSec and RateLimitBurst bound how many Converse calls per
	// second Complete permits; zero disables rate limiting.
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Bedrock is a Completer backed by the AWS Bedrock Converse API. As with
// Anthropic, this issues a single-turn, tool-free Converse call: the
// selector grammar lives entirely in the prompt text.
type Bedrock struct {
	runtime RuntimeClient
	opts    BedrockOptions
	limiter *rate.Limiter
}

// NewBedrock wraps runtime as a Completer.
func NewBedrock(runtime RuntimeClient, opts BedrockOptions) (*Bedrock, error) {
	if runtime == nil {
		return nil, errors.New("model: bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model: bedrock model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Bedrock{runtime: runtime, opts: opts, limiter: newRateLimiter(opts.RateLimitPerSec, opts.RateLimitBurst)}, nil
}

// Complete implements Completer.
func (b *Bedrock) Complete(ctx context.Context, prompt string) (string, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		return "", fmt.Errorf("model: bedrock rate limit exceeded")
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.opts.Model),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(b.opts.MaxTokens),
		},
	}
	if b.opts.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(b.opts.Temperature)
	}
	out, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("model: bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("model: bedrock converse: no message in response")
	}
	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text, nil
}
