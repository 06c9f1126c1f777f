package model_test

import (
	"context"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/selector/model"
)

type stubMessagesClient struct{ calls int }

func (s *stubMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}}}, nil
}

func TestAnthropicCompleteRejectsWhenRateLimitExceeded(t *testing.T) {
	client := &stubMessagesClient{}
	a, err := model.NewAnthropic(client, model.AnthropicOptions{
		Model:           "claude-test",
		RateLimitPerSec: 0.0001,
		RateLimitBurst:  1,
	})
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), "hello")
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), "hello")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "rate limit"))
	require.Equal(t, 1, client.calls)
}

type stubChatClient struct{ calls int }

func (s *stubChatClient) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	s.calls++
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "ok"}},
		},
	}, nil
}

func TestOpenAICompleteRejectsWhenRateLimitExceeded(t *testing.T) {
	client := &stubChatClient{}
	o, err := model.NewOpenAI(client, model.OpenAIOptions{
		Model:           "gpt-test",
		RateLimitPerSec: 0.0001,
		RateLimitBurst:  1,
	})
	require.NoError(t, err)

	_, err = o.Complete(context.Background(), "hello")
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), "hello")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "rate limit"))
	require.Equal(t, 1, client.calls)
}

type stubRuntimeClient struct{ calls int }

func (s *stubRuntimeClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.calls++
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ok"}},
			},
		},
	}, nil
}

func TestBedrockCompleteRejectsWhenRateLimitExceeded(t *testing.T) {
	client := &stubRuntimeClient{}
	b, err := model.NewBedrock(client, model.BedrockOptions{
		Model:           "bedrock-test",
		RateLimitPerSec: 0.0001,
		RateLimitBurst:  1,
	})
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), "hello")
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), "hello")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "rate limit"))
	require.Equal(t, 1, client.calls)
}
