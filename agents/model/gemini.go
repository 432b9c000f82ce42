/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package model

import (
	"context"
	"fmt"
	"strings"

	"chainguard.dev/ticketwatcher/agents/retry"
	"google.golang.org/genai"
)

// geminiChat implements Chat using Google's GenAI SDK. A Project/Region
// pair routes through Vertex AI; otherwise the API-key backend is used.
type geminiChat struct {
	cfg  Config
	chat *genai.Chat
}

func newGeminiChat(ctx context.Context, cfg Config, system string) (*geminiChat, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Project != "" {
		clientConfig = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Region,
			Backend:  genai.BackendVertexAI,
		}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	generateConfig := &genai.GenerateContentConfig{
		Temperature:     ptr[float32](0),
		MaxOutputTokens: int32(cfg.maxTokens()),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		},
	}

	chat, err := client.Chats.Create(ctx, cfg.Model, generateConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("creating chat with model %q: %w", cfg.Model, err)
	}
	return &geminiChat{cfg: cfg, chat: chat}, nil
}

func (c *geminiChat) Send(ctx context.Context, message string) (string, error) {
	response, err := retry.Do(ctx, c.cfg.retryConfig(), "gemini_message", isRetryableGeminiError, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return c.chat.SendMessage(ctx, genai.Part{Text: message})
	})
	if err != nil {
		return "", fmt.Errorf("calling gemini: %w", err)
	}

	if c.cfg.Metrics != nil && response.UsageMetadata != nil {
		c.cfg.Metrics.RecordTokens(ctx, c.cfg.Model,
			int64(response.UsageMetadata.PromptTokenCount),
			int64(response.UsageMetadata.CandidatesTokenCount))
	}

	return response.Text(), nil
}

// isRetryableGeminiError checks if an error is a retryable GenAI error.
// The SDK does not expose typed status errors uniformly across backends,
// so this matches the messages Vertex and the Gemini API actually return.
func isRetryableGeminiError(err error) bool {
	if err == nil {
		return false
	}
	if retry.IsTimeout(err) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Resource exhausted") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "Overloaded") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "Internal error") ||
		strings.Contains(errStr, "server error")
}

func ptr[T any](v T) *T {
	return &v
}
