/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package model

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/ticketwatcher/agents/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openaiChat implements Chat using OpenAI's Chat Completions API.
type openaiChat struct {
	cfg      Config
	client   openai.Client
	messages []openai.ChatCompletionMessageParamUnion
}

func newOpenAIChat(cfg Config, system string) *openaiChat {
	return &openaiChat{
		cfg:    cfg,
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
		},
	}
}

func (c *openaiChat) Send(ctx context.Context, message string) (string, error) {
	c.messages = append(c.messages, openai.UserMessage(message))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.cfg.Model),
		Messages:            c.messages,
		MaxCompletionTokens: openai.Int(c.cfg.maxTokens()),
		Temperature:         openai.Float(0),
	}

	completion, err := retry.Do(ctx, c.cfg.retryConfig(), "openai_completion", isRetryableOpenAIError, func(ctx context.Context) (*openai.ChatCompletion, error) {
		return c.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return "", fmt.Errorf("calling openai: %w", err)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTokens(ctx, c.cfg.Model, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	content := completion.Choices[0].Message.Content

	c.messages = append(c.messages, openai.AssistantMessage(content))
	return content, nil
}

// isRetryableOpenAIError checks if an error is a retryable OpenAI API error.
// Returns true for rate limit and transient server errors, and for
// per-attempt timeouts, which surface as transport errors.
func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return retry.IsTimeout(err)
}
