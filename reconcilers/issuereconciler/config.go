/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuereconciler

import (
	"errors"

	"chainguard.dev/ticketwatcher/agents/ticket"
)

// Config is the pipeline's tuning surface. Every knob has a default; an empty
// environment yields a working configuration. It is built once at process
// start (envconfig in cmd/ticketwatcher) and passed by reference into the
// components, never read ad hoc from the environment.
type Config struct {
	// Model identifies which model backend handles planning.
	Model string `env:"TICKETWATCHER_MODEL,default=gpt-4o-mini"`

	// TriggerLabels authorize the pipeline to run on an issue.
	TriggerLabels []string `env:"TICKETWATCHER_TRIGGER_LABELS,default=agent-fix,auto-pr"`

	// BranchPrefix plus the issue number forms the head branch name.
	BranchPrefix string `env:"TICKETWATCHER_BRANCH_PREFIX,default=agent-fix/"`

	// PRTitlePrefix is prepended to " #<issue>" to form pull request titles.
	PRTitlePrefix string `env:"TICKETWATCHER_PR_TITLE_PREFIX,default=agent: auto-fix for issue"`

	// BaseBranch to fork from and target. Empty means the repository default.
	BaseBranch string `env:"TICKETWATCHER_BASE_BRANCH"`

	// AllowedPaths are the repository path prefixes the agent may touch.
	AllowedPaths []string `env:"ALLOWED_PATHS,default=src/,app/"`

	// MaxFiles and MaxLines bound the accepted patch, boundary inclusive.
	MaxFiles int `env:"MAX_FILES,default=4"`
	MaxLines int `env:"MAX_LINES,default=200"`

	// AroundLines is the half-window of context fetched around a line hint.
	AroundLines int `env:"DEFAULT_AROUND_LINES,default=60"`

	// MaxTurns bounds the planner's model round-trips per invocation.
	MaxTurns int `env:"MAX_TURNS,default=3"`
}

// Constraints returns the patch budget the planner and validator enforce.
func (c Config) Constraints() ticket.Constraints {
	return ticket.Constraints{
		AllowedPaths: c.AllowedPaths,
		MaxFiles:     c.MaxFiles,
		MaxLines:     c.MaxLines,
	}
}

// Validate rejects configurations that would disable the budgets entirely.
func (c Config) Validate() error {
	switch {
	case c.Model == "":
		return errors.New("model is required")
	case c.BranchPrefix == "":
		return errors.New("branch prefix is required")
	case c.MaxFiles <= 0:
		return errors.New("max files must be positive")
	case c.MaxLines <= 0:
		return errors.New("max lines must be positive")
	case c.MaxTurns <= 0:
		return errors.New("max turns must be positive")
	}
	return nil
}

// triggered reports whether a label authorizes the pipeline.
func (c Config) triggered(label string) bool {
	for _, l := range c.TriggerLabels {
		if l == label {
			return true
		}
	}
	return false
}
