/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs one TicketWatcher pipeline invocation from a GitHub
// Actions event: it reads the event payload, wires the GitHub host and the
// model backend, and reconciles the triggering issue into a draft pull
// request plus a single outcome comment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chainguard.dev/ticketwatcher/agents/metrics"
	"chainguard.dev/ticketwatcher/agents/model"
	"chainguard.dev/ticketwatcher/agents/prompt"
	"chainguard.dev/ticketwatcher/agents/schema"
	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler/changemanager"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler/githubhost"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/sethvargo/go-envconfig"
)

type config struct {
	issuereconciler.Config

	Repository string `env:"GITHUB_REPOSITORY,required"`
	EventName  string `env:"GITHUB_EVENT_NAME,required"`
	EventPath  string `env:"GITHUB_EVENT_PATH,required"`

	// GitHub auth: a token, or a GitHub App installation.
	Token          string `env:"GITHUB_TOKEN"`
	AppID          int64  `env:"TICKETWATCHER_APP_ID"`
	InstallationID int64  `env:"TICKETWATCHER_INSTALLATION_ID"`
	AppPrivateKey  string `env:"TICKETWATCHER_APP_PRIVATE_KEY"`

	// Model auth, matched to the configured model's provider.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`

	// Project and Region route Gemini models through Vertex AI.
	Project string `env:"TICKETWATCHER_PROJECT"`
	Region  string `env:"TICKETWATCHER_REGION"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := clog.FromContext(ctx)

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "failed to process config: %v", err)
	}

	ev, handled, err := parseEvent(cfg.EventName, cfg.EventPath)
	if err != nil {
		clog.FatalContextf(ctx, "failed to parse event: %v", err)
	}
	if !handled {
		log.With("event", cfg.EventName).Info("Event type not handled, exiting")
		return
	}

	host, err := newHost(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "failed to build GitHub client: %v", err)
	}

	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok {
		clog.FatalContextf(ctx, "GITHUB_REPOSITORY %q is not owner/name", cfg.Repository)
	}

	ref := cfg.BaseBranch
	if ref == "" {
		ref, err = host.DefaultBranch(ctx, owner, repo)
		if err != nil {
			clog.FatalContextf(ctx, "failed to resolve default branch: %v", err)
		}
	}
	source := snippets.NewGitHubSource(host.REST(), owner, repo, ref)

	system, err := systemPrompt(cfg)
	if err != nil {
		clog.FatalContextf(ctx, "failed to render system prompt: %v", err)
	}

	pipeline := metrics.NewPipeline("ticketwatcher")
	newChat := func(ctx context.Context) (model.Chat, error) {
		return model.New(ctx, model.Config{
			Model:   cfg.Model,
			APIKey:  apiKey(cfg),
			Project: cfg.Project,
			Region:  cfg.Region,
			Metrics: pipeline,
		}, system)
	}

	cm, err := changemanager.New(host, cfg.BranchPrefix)
	if err != nil {
		clog.FatalContextf(ctx, "failed to build change manager: %v", err)
	}

	r, err := issuereconciler.New(host, cm, source, newChat, cfg.Repository, cfg.Config,
		issuereconciler.WithMetrics(pipeline))
	if err != nil {
		clog.FatalContextf(ctx, "failed to build reconciler: %v", err)
	}

	if err := r.Reconcile(ctx, ev); err != nil {
		clog.FatalContextf(ctx, "reconcile failed: %v", err)
	}
}

// parseEvent reads the Actions event payload. handled is false for event
// types the pipeline ignores.
func parseEvent(name, path string) (issuereconciler.Event, bool, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return issuereconciler.Event{}, false, err
	}

	switch name {
	case "issues":
		var ev github.IssuesEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return issuereconciler.Event{}, false, err
		}
		if ev.GetIssue() == nil {
			return issuereconciler.Event{}, false, errors.New("issues event has no issue")
		}
		return issuereconciler.Event{
			Action:      ev.GetAction(),
			IssueNumber: ev.GetIssue().GetNumber(),
			Label:       ev.GetLabel().GetName(),
		}, true, nil

	case "issue_comment":
		var ev github.IssueCommentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return issuereconciler.Event{}, false, err
		}
		if ev.GetAction() != "created" || ev.GetIssue() == nil {
			return issuereconciler.Event{}, false, nil
		}
		return issuereconciler.Event{
			Action:      ev.GetAction(),
			IssueNumber: ev.GetIssue().GetNumber(),
			CommentBody: ev.GetComment().GetBody(),
		}, true, nil

	default:
		return issuereconciler.Event{}, false, nil
	}
}

func newHost(ctx context.Context, cfg config) (*githubhost.Client, error) {
	if cfg.AppID != 0 {
		return githubhost.NewFromApp(cfg.AppID, cfg.InstallationID, cfg.AppPrivateKey)
	}
	if cfg.Token == "" {
		return nil, errors.New("either GITHUB_TOKEN or app credentials are required")
	}
	return githubhost.NewFromToken(ctx, cfg.Token), nil
}

// systemPrompt renders the planner contract with the response schema embedded.
func systemPrompt(cfg config) (string, error) {
	schemaJSON, err := schema.MarshalIndent(schema.ReflectType[model.Response]())
	if err != nil {
		return "", err
	}
	return prompt.System(cfg.Constraints(), schemaJSON)
}

// apiKey picks the credential matching the configured model's provider.
func apiKey(cfg config) string {
	switch {
	case strings.HasPrefix(cfg.Model, "claude"):
		return cfg.AnthropicAPIKey
	case strings.HasPrefix(cfg.Model, "gemini"):
		return cfg.GeminiAPIKey
	default:
		return cfg.OpenAIAPIKey
	}
}
