/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/ticketwatcher/agents/retry"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// claudeChat implements Chat using Anthropic's Messages API.
type claudeChat struct {
	cfg      Config
	client   anthropic.Client
	system   string
	messages []anthropic.MessageParam
}

func newClaudeChat(cfg Config, system string) *claudeChat {
	return &claudeChat{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		system: system,
	}
}

func (c *claudeChat) Send(ctx context.Context, message string) (string, error) {
	c.messages = append(c.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.maxTokens(),
		Messages:  c.messages,
		System:    []anthropic.TextBlockParam{{Text: c.system}},
	}
	params.Temperature = anthropic.Float(0)

	reply, err := retry.Do(ctx, c.cfg.retryConfig(), "claude_message", isRetryableClaudeError, func(ctx context.Context) (*anthropic.Message, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		return "", fmt.Errorf("calling claude: %w", err)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTokens(ctx, c.cfg.Model, reply.Usage.InputTokens, reply.Usage.OutputTokens)
	}

	var sb strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.messages = append(c.messages, reply.ToParam())
	return sb.String(), nil
}

// isRetryableClaudeError checks if an error is a retryable Claude API error.
// Returns true for rate limit, overloaded, and transient server errors, and
// for per-attempt timeouts, which surface as transport errors.
func isRetryableClaudeError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 503, 504, 529:
			return true
		}
	}
	return retry.IsTimeout(err)
}
