/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prompt renders the system and user prompts for the patch planner's
// conversation with the model. The response contract is communicated twice:
// as prose rules in the system prompt and as a JSON schema the model must
// match exactly.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"chainguard.dev/ticketwatcher/agents/ticket"
)

var systemTemplate = template.Must(template.New("system").Parse(`You are an automated code-fixing agent. You are given a bug report and
bounded snippets of the repository it was filed against. Your job is to
produce the smallest correct fix, or to ask for exactly the additional
context you need.

Return EXACTLY ONE JSON object and NOTHING ELSE (no prose, no code fences).

1) Ask for more context:
{
  "action": "need_more_context",
  "needs": [
    { "path": "src/app/auth.py", "line": 42, "reason": "why you need it" },
    { "path": "src/app/db.py", "symbol": "get_user", "around_lines": 20, "reason": "caller of the failing function" }
  ]
}

2) Propose a fix:
{
  "action": "propose_patch",
  "files": { "src/app/auth.py": "<complete new file content>" },
  "summary": "one-line description of the fix",
  "rationale": "why this fixes the reported issue"
}

Rules:
- "files" values are COMPLETE file contents, not diffs. Include every line
  of the file, changed or not.
- Only touch files under these path prefixes: {{.AllowedPathsCSV}}
- Touch at most {{.MaxFiles}} files and change at most {{.MaxLines}} lines in total.
- Only propose changes to files you have been shown, or new files under the
  allowed prefixes.
- Prefer the minimal fix. Do not refactor, reformat, or fix unrelated code.
- In "needs", center the window with "line" or with "symbol" (a function or
  class name); "around_lines" may shrink the window for that need.
- If a file you asked for was reported missing, do not ask for it again.

Your response must validate against this JSON schema:
{{.Schema}}
`))

var userTemplate = template.Must(template.New("user").Parse(`# Issue #{{.Number}}: {{.Title}}

{{.Body}}
{{- if .Comments}}

# Thread
{{- range .Comments}}
---
{{.}}
{{- end}}
{{- end}}

# Code context
{{.SnippetBlock}}

Analyze the issue and respond with one JSON object per the contract.
`))

var moreContextTemplate = template.Must(template.New("more").Parse(`Here is the additional context you requested.

{{.SnippetBlock}}

Respond with one JSON object per the contract.
`))

// System renders the system prompt for one planner session. schemaJSON is
// the response contract's JSON schema.
func System(c ticket.Constraints, schemaJSON string) (string, error) {
	allowed := strings.Join(c.AllowedPaths, ", ")
	if allowed == "" {
		allowed = "(entire repository)"
	}
	var sb strings.Builder
	err := systemTemplate.Execute(&sb, struct {
		AllowedPathsCSV string
		MaxFiles        int
		MaxLines        int
		Schema          string
	}{allowed, c.MaxFiles, c.MaxLines, schemaJSON})
	if err != nil {
		return "", fmt.Errorf("rendering system prompt: %w", err)
	}
	return sb.String(), nil
}

// Initial renders the first user message: the issue thread plus the
// snippets gathered from its file references.
func Initial(issue ticket.IssueContext, snips []ticket.CodeSnippet, missing []string) (string, error) {
	var sb strings.Builder
	err := userTemplate.Execute(&sb, struct {
		Number       int
		Title        string
		Body         string
		Comments     []string
		SnippetBlock string
	}{issue.Number, issue.Title, issue.Body, issue.Comments, SnippetBlock(snips, missing)})
	if err != nil {
		return "", fmt.Errorf("rendering user prompt: %w", err)
	}
	return sb.String(), nil
}

// MoreContext renders the follow-up user message carrying the snippets the
// model asked for, plus any requested paths that do not exist.
func MoreContext(snips []ticket.CodeSnippet, missing []string) (string, error) {
	var sb strings.Builder
	err := moreContextTemplate.Execute(&sb, struct {
		SnippetBlock string
	}{SnippetBlock(snips, missing)})
	if err != nil {
		return "", fmt.Errorf("rendering context prompt: %w", err)
	}
	return sb.String(), nil
}

// Correction renders the single corrective re-prompt sent after a malformed
// response.
func Correction(reason string) string {
	return fmt.Sprintf(`Your previous response was not valid: %s

Respond again with EXACTLY ONE JSON object matching the contract, and
nothing else.`, reason)
}

// SnippetBlock formats snippets for inclusion in a prompt. Missing paths
// are listed so the model stops asking for them.
func SnippetBlock(snips []ticket.CodeSnippet, missing []string) string {
	if len(snips) == 0 && len(missing) == 0 {
		return "(no code context found; ask for the files you need)"
	}

	var sb strings.Builder
	for i, s := range snips {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s (lines %d-%d)\n```\n%s\n```", s.Path, s.StartLine, s.EndLine, s.Content)
	}
	for i, p := range missing {
		if i == 0 {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString("These referenced files do not exist in the repository:\n")
		}
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return strings.TrimRight(sb.String(), "\n")
}
