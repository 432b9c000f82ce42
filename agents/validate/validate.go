/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package validate is the safety gate between the model's proposed patch
// and anything that writes to the repository. A patch passes only if every
// rule passes; violations accumulate so the issue comment can list all of
// them, and a failed patch is rejected wholesale rather than trimmed.
package validate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/agents/ticket"
	"github.com/chainguard-dev/clog"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// RuleKind identifies which boundary a patch violated.
type RuleKind string

const (
	// RuleEmptyPatch rejects a patch with no files.
	RuleEmptyPatch RuleKind = "empty_patch"
	// RulePathAllowed rejects files outside the allowed prefixes.
	RulePathAllowed RuleKind = "path_not_allowed"
	// RulePathEscape rejects paths that leave the repository root.
	RulePathEscape RuleKind = "path_escape"
	// RuleMaxFiles rejects patches touching too many files.
	RuleMaxFiles RuleKind = "too_many_files"
	// RuleMaxLines rejects patches changing too many lines in total.
	RuleMaxLines RuleKind = "too_many_lines"
	// RuleUnfetchedFile rejects changes to existing files the model was
	// never shown. Recorded by the planner, which tracks what was fetched.
	RuleUnfetchedFile RuleKind = "unfetched_file"
)

// Violation is one rule failure with enough detail for an issue comment.
type Violation struct {
	Rule   RuleKind
	Path   string // empty for patch-wide rules
	Detail string
}

func (v Violation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", v.Rule, v.Path, v.Detail)
}

// Result is the validator's verdict on one patch.
type Result struct {
	Violations   []Violation
	FilesTouched int
	ChangedLines int
}

// OK reports whether the patch passed every rule.
func (r Result) OK() bool {
	return len(r.Violations) == 0
}

// Source provides base file content to diff proposed content against.
// *snippets.Fetcher satisfies it.
type Source interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// Validator checks proposed patches against the configured constraints.
type Validator struct {
	src Source
	c   ticket.Constraints
}

// New creates a Validator reading base content from src.
func New(src Source, c ticket.Constraints) *Validator {
	return &Validator{src: src, c: c}
}

// Validate checks the patch against every rule and returns the accumulated
// verdict. Budgets are boundary inclusive: exactly MaxFiles files or
// exactly MaxLines changed lines passes. The error return is reserved for
// infrastructure failures reading base content; a rule failure is a normal
// Result, not an error.
func (v *Validator) Validate(ctx context.Context, patch *ticket.ProposedPatch) (Result, error) {
	var res Result

	if len(patch.Files) == 0 {
		res.Violations = append(res.Violations, Violation{
			Rule:   RuleEmptyPatch,
			Detail: "patch contains no files",
		})
		return res, nil
	}

	paths := patch.Paths()
	sort.Strings(paths)
	res.FilesTouched = len(paths)

	for _, p := range paths {
		if escapesRoot(p) {
			res.Violations = append(res.Violations, Violation{
				Rule:   RulePathEscape,
				Path:   p,
				Detail: "path escapes the repository root",
			})
			continue
		}
		if !allowed(p, v.c.AllowedPaths) {
			res.Violations = append(res.Violations, Violation{
				Rule:   RulePathAllowed,
				Path:   p,
				Detail: fmt.Sprintf("path is not under an allowed prefix (%s)", strings.Join(v.c.AllowedPaths, ", ")),
			})
		}
	}

	if v.c.MaxFiles > 0 && len(paths) > v.c.MaxFiles {
		res.Violations = append(res.Violations, Violation{
			Rule:   RuleMaxFiles,
			Detail: fmt.Sprintf("patch touches %d files, limit is %d", len(paths), v.c.MaxFiles),
		})
	}

	for _, p := range paths {
		if escapesRoot(p) {
			// No base content to diff against; counted as zero rather
			// than read through an escaping path.
			continue
		}
		changed, err := v.changedLines(ctx, p, patch.Files[p])
		if err != nil {
			return res, err
		}
		res.ChangedLines += changed
	}

	if v.c.MaxLines > 0 && res.ChangedLines > v.c.MaxLines {
		res.Violations = append(res.Violations, Violation{
			Rule:   RuleMaxLines,
			Detail: fmt.Sprintf("patch changes %d lines, limit is %d", res.ChangedLines, v.c.MaxLines),
		})
	}

	if !res.OK() {
		clog.FromContext(ctx).With("violations", len(res.Violations)).
			With("files", res.FilesTouched).
			With("changed_lines", res.ChangedLines).
			Info("Rejecting proposed patch")
	}
	return res, nil
}

// changedLines computes the line-diff size between the base content and the
// proposed content. A file that does not exist yet counts every proposed
// line.
func (v *Validator) changedLines(ctx context.Context, p, proposed string) (int, error) {
	base, err := v.src.ReadFile(ctx, p)
	if errors.Is(err, snippets.ErrNotFound) {
		return countLines(proposed), nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading base content of %s: %w", p, err)
	}

	dmp := diffmatchpatch.New()
	baseChars, proposedChars, lines := dmp.DiffLinesToChars(normalize(base), normalize(proposed))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(baseChars, proposedChars, false), lines)

	changed := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		changed += countLines(d.Text)
	}
	return changed, nil
}

// normalize gives every non-empty file a trailing newline so the line diff
// never splits on a missing final newline.
func normalize(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// escapesRoot reports whether p is absolute or climbs out of the
// repository via "..".
func escapesRoot(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// allowed reports whether p falls under one of the allowed prefixes,
// respecting directory boundaries. An empty allow-list permits everything.
func allowed(p string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	clean := path.Clean(p)
	for _, prefix := range prefixes {
		if prefix == "" {
			return true
		}
		prefix = strings.TrimSuffix(prefix, "/")
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}
	return false
}
