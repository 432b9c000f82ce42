/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prompt_test

import (
	"strings"
	"testing"

	"chainguard.dev/ticketwatcher/agents/prompt"
	"chainguard.dev/ticketwatcher/agents/ticket"
)

func TestSystem(t *testing.T) {
	t.Parallel()

	got, err := prompt.System(ticket.Constraints{
		AllowedPaths: []string{"src/", "app/"},
		MaxFiles:     4,
		MaxLines:     200,
	}, `{"type": "object"}`)
	if err != nil {
		t.Fatalf("System: %v", err)
	}

	for _, want := range []string{
		"src/, app/",
		"at most 4 files",
		"at most 200 lines",
		"need_more_context",
		"propose_patch",
		`{"type": "object"}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestSystemNoAllowedPaths(t *testing.T) {
	t.Parallel()

	got, err := prompt.System(ticket.Constraints{MaxFiles: 1, MaxLines: 10}, "{}")
	if err != nil {
		t.Fatalf("System: %v", err)
	}
	if !strings.Contains(got, "(entire repository)") {
		t.Error("expected placeholder for empty allow-list")
	}
}

func TestInitial(t *testing.T) {
	t.Parallel()

	issue := ticket.IssueContext{
		Number:   17,
		Title:    "KeyError in get_user_profile",
		Body:     "Login blows up for new users.",
		Comments: []string{"Also seen on staging."},
	}
	snips := []ticket.CodeSnippet{{
		Path:      "src/app/auth.py",
		StartLine: 40,
		EndLine:   44,
		Content:   "def get_user_profile(user_id):\n    ...",
	}}

	got, err := prompt.Initial(issue, snips, []string{"src/ghost.py"})
	if err != nil {
		t.Fatalf("Initial: %v", err)
	}

	for _, want := range []string{
		"# Issue #17: KeyError in get_user_profile",
		"Login blows up for new users.",
		"Also seen on staging.",
		"## src/app/auth.py (lines 40-44)",
		"src/ghost.py",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestInitialNoContext(t *testing.T) {
	t.Parallel()

	got, err := prompt.Initial(ticket.IssueContext{Number: 1, Title: "help"}, nil, nil)
	if err != nil {
		t.Fatalf("Initial: %v", err)
	}
	if !strings.Contains(got, "no code context found") {
		t.Error("expected empty-context placeholder")
	}
}

func TestMoreContext(t *testing.T) {
	t.Parallel()

	got, err := prompt.MoreContext([]ticket.CodeSnippet{{
		Path: "src/app/db.py", StartLine: 1, EndLine: 5, Content: "import sqlite3",
	}}, nil)
	if err != nil {
		t.Fatalf("MoreContext: %v", err)
	}
	if !strings.Contains(got, "additional context") || !strings.Contains(got, "src/app/db.py") {
		t.Errorf("unexpected context prompt: %s", got)
	}
}

func TestCorrection(t *testing.T) {
	t.Parallel()

	got := prompt.Correction("response was not JSON")
	if !strings.Contains(got, "response was not JSON") || !strings.Contains(got, "EXACTLY ONE JSON object") {
		t.Errorf("unexpected correction prompt: %s", got)
	}
}
