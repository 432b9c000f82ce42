/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package model abstracts the AI backends the patch planner can talk to.
// A Chat is a stateful conversation: the planner sends rendered prompts and
// gets raw text back, and Parse turns that text into the structured
// response contract.
//
// The model parameter of New determines which provider is used:
//   - Models starting with "claude-" use Anthropic's SDK
//   - Models starting with "gpt-" or "o" use OpenAI's SDK
//   - Models starting with "gemini-" use Google's GenAI SDK
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/ticketwatcher/agents/metrics"
	"chainguard.dev/ticketwatcher/agents/result"
	"chainguard.dev/ticketwatcher/agents/retry"
	"chainguard.dev/ticketwatcher/agents/ticket"
)

// ErrMalformed marks a model response that does not satisfy the structured
// response contract. The planner grants one corrective re-prompt per turn
// for these.
var ErrMalformed = errors.New("malformed model response")

// Action is the model's choice of what to do with the current context.
type Action string

const (
	// ActionNeedMoreContext asks the pipeline for additional snippets.
	ActionNeedMoreContext Action = "need_more_context"
	// ActionProposePatch delivers a complete fix.
	ActionProposePatch Action = "propose_patch"
)

// Response is the structured contract every model reply must satisfy:
// exactly one action, with the fields that action requires.
type Response struct {
	Action Action `json:"action" jsonschema:"description=One of need_more_context or propose_patch,required"`

	// Needs lists the additional snippets requested; required for
	// need_more_context.
	Needs []ticket.ContextNeed `json:"needs,omitempty" jsonschema:"description=Additional files or line ranges you need to see"`

	// Files maps repository-relative paths to complete new file contents;
	// required for propose_patch.
	Files map[string]string `json:"files,omitempty" jsonschema:"description=Complete new contents for each touched file"`

	Summary   string `json:"summary,omitempty" jsonschema:"description=One-line description of the fix"`
	Rationale string `json:"rationale,omitempty" jsonschema:"description=Why this fixes the reported issue"`
}

// Chat is a stateful conversation with one model. Implementations keep the
// message history, including the system prompt, so each Send carries the
// full session. Chats are not safe for concurrent use.
type Chat interface {
	// Send delivers one user message and returns the model's raw text reply.
	Send(ctx context.Context, message string) (string, error)
}

// Config carries the knobs shared by all backends plus the
// provider-specific credentials.
type Config struct {
	// Model selects both the provider and the model version.
	Model string

	// MaxTokens caps the completion size. 0 uses a backend default.
	MaxTokens int64

	// APIKey authenticates against Anthropic, OpenAI, or the Gemini API,
	// depending on the selected model.
	APIKey string

	// Project and Region route Gemini models through Vertex AI instead of
	// the API-key backend when set.
	Project string
	Region  string

	// Metrics receives token usage per call. Optional.
	Metrics *metrics.Pipeline

	// Retry overrides the model retry policy. Zero value uses
	// retry.DefaultModelConfig.
	Retry retry.Config
}

const defaultMaxTokens = 16384

func (c Config) maxTokens() int64 {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return defaultMaxTokens
}

func (c Config) retryConfig() retry.Config {
	if c.Retry == (retry.Config{}) {
		return retry.DefaultModelConfig()
	}
	return c.Retry
}

// New creates a Chat for the configured model, seeded with the given
// system prompt.
func New(ctx context.Context, cfg Config, system string) (Chat, error) {
	modelLower := strings.ToLower(cfg.Model)

	switch {
	case strings.HasPrefix(modelLower, "claude-"):
		return newClaudeChat(cfg, system), nil
	case strings.HasPrefix(modelLower, "gpt-"), strings.HasPrefix(modelLower, "o"):
		return newOpenAIChat(cfg, system), nil
	case strings.HasPrefix(modelLower, "gemini-"):
		return newGeminiChat(ctx, cfg, system)
	default:
		return nil, fmt.Errorf("unsupported model: %s (expected claude-*, gpt-*/o*, or gemini-*)", cfg.Model)
	}
}

// Parse validates a raw model reply against the response contract. Any
// violation returns an error wrapping ErrMalformed with the reason, which
// the planner relays verbatim in its corrective re-prompt.
func Parse(raw string) (*Response, error) {
	resp, err := result.Extract[Response](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: response is not valid JSON: %v", ErrMalformed, err)
	}

	switch resp.Action {
	case ActionNeedMoreContext:
		if len(resp.Needs) == 0 {
			return nil, fmt.Errorf("%w: need_more_context with no needs", ErrMalformed)
		}
		for _, need := range resp.Needs {
			if need.Path == "" {
				return nil, fmt.Errorf("%w: context need with empty path", ErrMalformed)
			}
		}
	case ActionProposePatch:
		if len(resp.Files) == 0 {
			return nil, fmt.Errorf("%w: propose_patch with no files", ErrMalformed)
		}
		for path := range resp.Files {
			if path == "" {
				return nil, fmt.Errorf("%w: patch file with empty path", ErrMalformed)
			}
		}
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, resp.Action)
	}
	return &resp, nil
}
