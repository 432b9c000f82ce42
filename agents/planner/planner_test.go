/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"chainguard.dev/ticketwatcher/agents/model/modeltest"
	"chainguard.dev/ticketwatcher/agents/planner"
	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/agents/ticket"
	"chainguard.dev/ticketwatcher/agents/validate"
)

type fakeSource struct {
	files map[string]string
}

func (f *fakeSource) ReadFile(_ context.Context, path string) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, snippets.ErrNotFound)
	}
	return content, nil
}

func (f *fakeSource) List(context.Context) ([]string, error) {
	var out []string
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func numberedFile(lines int) string {
	var sb strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	return sb.String()
}

func patchJSON(t *testing.T, files map[string]string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"action":    "propose_patch",
		"files":     files,
		"summary":   "fix the bug",
		"rationale": "the traceback points here",
	})
	if err != nil {
		t.Fatalf("marshaling patch: %v", err)
	}
	return string(raw)
}

const needContextJSON = `{
  "action": "need_more_context",
  "needs": [{"path": "src/app/db.py", "line": 7, "reason": "called from the failing frame"}]
}`

func newPlanner(t *testing.T, src snippets.Source, chat *modeltest.Scripted, opts ...planner.Option) *planner.Planner {
	t.Helper()
	c := ticket.Constraints{AllowedPaths: []string{"src/"}, MaxFiles: 4, MaxLines: 200}
	fetcher := snippets.NewFetcher(src, 10)
	p, err := planner.New(chat, fetcher, validate.New(fetcher, c), c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func issue() ticket.IssueContext {
	return ticket.IssueContext{Number: 7, Title: "KeyError on login", Body: "see traceback"}
}

func refs() []ticket.FileReference {
	return []ticket.FileReference{{Path: "src/app/auth.py", StartLine: 5, EndLine: 5, Source: ticket.SourceTraceback}}
}

func TestRunProposesOnFirstTurn(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		patchJSON(t, map[string]string{"src/app/auth.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateProposing {
		t.Fatalf("state = %s, want %s", session.State(), planner.StateProposing)
	}
	if session.Patch == nil || session.Turns != 1 {
		t.Fatalf("unexpected session: patch=%v turns=%d", session.Patch, session.Turns)
	}

	if err := session.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if session.State() != planner.StateDone {
		t.Errorf("state after Complete = %s", session.State())
	}
}

func TestRunFetchesRequestedContext(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{
		"src/app/auth.py": numberedFile(20),
		"src/app/db.py":   numberedFile(20),
	}}
	chat := &modeltest.Scripted{Replies: []string{
		needContextJSON,
		patchJSON(t, map[string]string{"src/app/db.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateProposing {
		t.Fatalf("state = %s, want %s (reason %s)", session.State(), planner.StateProposing, session.Reason())
	}
	if session.Turns != 2 {
		t.Errorf("turns = %d, want 2", session.Turns)
	}
	if len(chat.Prompts) != 2 || !strings.Contains(chat.Prompts[1], "src/app/db.py") {
		t.Errorf("expected second prompt to carry the requested snippet, got %q", chat.Prompts)
	}
}

func TestRunFetchesSymbolCenteredContext(t *testing.T) {
	t.Parallel()

	dbLines := make([]string, 100)
	for i := range dbLines {
		dbLines[i] = fmt.Sprintf("line %d", i+1)
	}
	dbLines[79] = "def lookup(user_id):"
	src := &fakeSource{files: map[string]string{
		"src/app/auth.py": numberedFile(20),
		"src/app/db.py":   strings.Join(dbLines, "\n") + "\n",
	}}
	chat := &modeltest.Scripted{Replies: []string{
		`{
  "action": "need_more_context",
  "needs": [{"path": "src/app/db.py", "symbol": "lookup", "around_lines": 10, "reason": "the failing call"}]
}`,
		patchJSON(t, map[string]string{"src/app/auth.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateProposing {
		t.Fatalf("state = %s, want %s (reason %s)", session.State(), planner.StateProposing, session.Reason())
	}
	if len(chat.Prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(chat.Prompts))
	}
	// The snippet is centered on the definition at line 80, not the head.
	if !strings.Contains(chat.Prompts[1], "def lookup") {
		t.Errorf("expected second prompt to carry the symbol window, got %q", chat.Prompts[1])
	}
	if !strings.Contains(chat.Prompts[1], "lines 70-90") {
		t.Errorf("expected a window around line 80, got %q", chat.Prompts[1])
	}
}

func TestRunAbortsOnTurnBudget(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{
		"src/app/auth.py": numberedFile(20),
		"src/app/db.py":   numberedFile(20),
	}}
	// A model that always wants more context never proposes a patch.
	chat := &modeltest.Scripted{Replies: []string{needContextJSON, needContextJSON, needContextJSON}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateAborted || session.Reason() != planner.ReasonTurnBudget {
		t.Fatalf("got state=%s reason=%s, want aborted on turn budget", session.State(), session.Reason())
	}
	if session.Turns != planner.DefaultMaxTurns {
		t.Errorf("turns = %d, want %d", session.Turns, planner.DefaultMaxTurns)
	}
}

func TestRunRePromptsOnceOnMalformed(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		"Sure! I'd be happy to help with that bug.",
		patchJSON(t, map[string]string{"src/app/auth.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateProposing {
		t.Fatalf("state = %s, want %s", session.State(), planner.StateProposing)
	}
	// One turn: the corrective re-prompt does not consume budget.
	if session.Turns != 1 {
		t.Errorf("turns = %d, want 1", session.Turns)
	}
	if len(chat.Prompts) != 2 || !strings.Contains(chat.Prompts[1], "not valid") {
		t.Errorf("expected a corrective re-prompt, got %q", chat.Prompts)
	}
}

func TestRunAbortsOnSecondMalformed(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		"Sure! I'd be happy to help with that bug.",
		"As an AI model, I think the fix is simple.",
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateAborted || session.Reason() != planner.ReasonMalformed {
		t.Fatalf("got state=%s reason=%s, want aborted on malformed", session.State(), session.Reason())
	}
}

func TestRunAbortsOnValidationFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		patchJSON(t, map[string]string{"docs/README.md": "nope\n"}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateAborted || session.Reason() != planner.ReasonValidation {
		t.Fatalf("got state=%s reason=%s, want aborted on validation", session.State(), session.Reason())
	}
	if len(session.Validation.Violations) == 0 {
		t.Fatal("expected violations on the session")
	}
}

func TestRunRejectsUnfetchedExistingFile(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{
		"src/app/auth.py":   numberedFile(20),
		"src/app/hidden.py": numberedFile(20),
	}}
	chat := &modeltest.Scripted{Replies: []string{
		patchJSON(t, map[string]string{"src/app/hidden.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateAborted || session.Reason() != planner.ReasonValidation {
		t.Fatalf("got state=%s reason=%s, want aborted on validation", session.State(), session.Reason())
	}
	found := false
	for _, viol := range session.Validation.Violations {
		if viol.Rule == validate.RuleUnfetchedFile {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s violation, got %v", validate.RuleUnfetchedFile, session.Validation.Violations)
	}
}

func TestRunAllowsNewFileUnderAllowedPrefix(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		patchJSON(t, map[string]string{"src/app/helpers.py": "def helper():\n    return 1\n"}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.State() != planner.StateProposing {
		t.Fatalf("state = %s (reason %s), want %s", session.State(), session.Reason(), planner.StateProposing)
	}
}

func TestRunSurfacesTransportErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("model api down")
	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Err: boom}

	_, err := newPlanner(t, src, chat).Run(t.Context(), issue(), refs())
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunReportsMissingReferences(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(20)}}
	chat := &modeltest.Scripted{Replies: []string{
		patchJSON(t, map[string]string{"src/app/auth.py": numberedFile(20)}),
	}}

	session, err := newPlanner(t, src, chat).Run(t.Context(), issue(), append(refs(),
		ticket.FileReference{Path: "src/gone.py", Source: ticket.SourceMention}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(session.Missing) != 1 || session.Missing[0] != "src/gone.py" {
		t.Errorf("Missing = %v, want [src/gone.py]", session.Missing)
	}
	if !strings.Contains(chat.Prompts[0], "src/gone.py") {
		t.Error("expected missing path to be relayed to the model")
	}
}
