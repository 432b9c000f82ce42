/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ticket defines the transient data model shared by the
// issue-to-patch pipeline stages. Every value here is scoped to a single
// pipeline invocation; nothing persists across issue events.
package ticket

import (
	"fmt"
	"strings"
)

// IssueContext is the immutable input to a pipeline invocation: the
// triggering issue's title, body, and comment thread in order.
type IssueContext struct {
	// Number is the issue number on the host repository.
	Number int

	Title    string
	Body     string
	Comments []string
}

// Text returns the concatenated issue text the extractor scans:
// title, body, then comments in thread order.
func (ic IssueContext) Text() string {
	parts := make([]string, 0, 2+len(ic.Comments))
	parts = append(parts, ic.Title, ic.Body)
	parts = append(parts, ic.Comments...)
	return strings.Join(parts, "\n")
}

// RefSource identifies which pattern produced a FileReference. Sources are
// ordered by confidence: a traceback frame outranks an explicit target hint,
// which outranks a bare filename mention.
type RefSource int

const (
	// SourceMention is a bare filename mention (e.g. "auth.py").
	SourceMention RefSource = iota
	// SourceTargetHint is an explicit "Target: <path>" line.
	SourceTargetHint
	// SourceTraceback is a traceback frame (`File "<path>", line <N>`).
	SourceTraceback
)

// String implements fmt.Stringer.
func (s RefSource) String() string {
	switch s {
	case SourceTraceback:
		return "traceback"
	case SourceTargetHint:
		return "target_hint"
	case SourceMention:
		return "mention"
	default:
		return fmt.Sprintf("RefSource(%d)", int(s))
	}
}

// FileReference is a candidate file extracted from issue text.
// Line values of 0 mean "no hint".
type FileReference struct {
	Path      string
	StartLine int
	EndLine   int
	Source    RefSource
}

// CodeSnippet is a bounded window of a repository file. Snippets are
// immutable once fetched and are deduplicated by Key.
type CodeSnippet struct {
	Path      string
	StartLine int
	EndLine   int
	Content   string
}

// Key identifies a snippet window for deduplication.
func (s CodeSnippet) Key() string {
	return fmt.Sprintf("%s:%d:%d", s.Path, s.StartLine, s.EndLine)
}

// ContextNeed is a model request for one additional snippet. A Symbol
// centers the window on a definition or first occurrence and takes
// precedence over Line; AroundLines shrinks the half-window for this need
// only.
type ContextNeed struct {
	Path        string `json:"path"`
	Line        int    `json:"line,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	AroundLines int    `json:"around_lines,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Constraints are the patch boundaries communicated to the model and
// enforced by the validator.
type Constraints struct {
	// AllowedPaths are the repository-relative prefixes a patch may touch.
	// Empty means the whole repository is in bounds.
	AllowedPaths []string
	// MaxFiles caps how many files one patch may touch.
	MaxFiles int
	// MaxLines caps the total changed lines across the whole patch.
	MaxLines int
}

// ProposedPatch is the structured fix produced by the agent loop.
// Files maps repository-relative paths to complete new file contents.
type ProposedPatch struct {
	Files     map[string]string `json:"files"`
	Summary   string            `json:"summary"`
	Rationale string            `json:"rationale"`
}

// Paths returns the distinct paths touched by the patch, in no
// particular order.
func (p *ProposedPatch) Paths() []string {
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	return paths
}
