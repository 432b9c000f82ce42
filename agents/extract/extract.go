/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package extract turns free-form issue text into candidate file references.
//
// Three independent patterns are recognized, in descending confidence order:
// traceback frames (`File "<path>", line <N>`), explicit target hints
// (`Target: <path>`), and bare filename mentions. References to the same path
// are merged; the highest-confidence source's line hint wins.
package extract

import (
	"context"
	"path"
	"regexp"
	"strconv"
	"strings"

	"chainguard.dev/ticketwatcher/agents/ticket"
	"github.com/chainguard-dev/clog"
)

var (
	// Python-style traceback frame: File "<path>", line <N>.
	// The line capture is deliberately loose; non-numeric values are kept
	// as "no line hint" rather than dropped or treated as errors.
	reTracebackFrame = regexp.MustCompile(`File\s+"([^"]+)"\s*,\s*line\s+([^\s,]+)`)

	// Generic <token>:<line> references, e.g. "src/app/auth.py:42".
	rePathLine = regexp.MustCompile(`([^\s'",)\]]+):(\d+)\b`)

	// Explicit target hint on its own line: Target: <path>[:line].
	reTargetHint = regexp.MustCompile(`(?m)^\s*Target:\s*(.+?)\s*$`)

	// Repo-qualified references that are always explicit about which
	// repository they point at.
	reRepoQualified = regexp.MustCompile(`^([\w.-]+/[\w.-]+):(\S+)$`)
	reBlobURL       = regexp.MustCompile(`^https://github\.com/([\w.-]+/[\w.-]+)/blob/[^/]+/(\S+)$`)

	// Bare filename mentions like "auth.py". Paths with separators are
	// covered by the higher-confidence patterns.
	reMention = regexp.MustCompile(`\b([\w-]+\.(?:py|go|js|jsx|ts|tsx|java|rb|rs|c|h|cc|cpp|cs|php))\b`)

	// Trailing punctuation that commonly follows paths in prose and traces.
	reTrailingJunk = regexp.MustCompile(`['"\s,)\]>.:]+$`)
)

// Lister enumerates repository file paths for mention resolution.
// Implementations are expected to be cheap to call once per invocation.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// CrossRepoRef records a target hint that named a different repository.
// These are excluded from fetch candidates but surfaced so the caller can
// explain the exclusion on the issue thread.
type CrossRepoRef struct {
	Repo string
	Path string
}

// Extractor parses issue text into file references for one repository.
type Extractor struct {
	fullRepo string // "owner/name"
	repoName string // "name"
	allowed  []string
	lister   Lister
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLister supplies a repository file listing used to resolve bare
// filename mentions to concrete paths. Without it, mention candidates are
// formed by joining each allowed prefix with the mentioned name.
func WithLister(l Lister) Option {
	return func(e *Extractor) {
		e.lister = l
	}
}

// New creates an Extractor for the given repository ("owner/name" or bare
// name) and allowed path prefixes.
func New(repository string, allowedPaths []string, opts ...Option) *Extractor {
	name := repository
	if idx := strings.LastIndex(repository, "/"); idx >= 0 {
		name = repository[idx+1:]
	}
	e := &Extractor{
		fullRepo: repository,
		repoName: name,
		allowed:  allowedPaths,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract scans the issue's concatenated text and returns merged file
// references plus any cross-repository hints that were excluded. It never
// fails: unmatched or malformed text yields an empty reference slice,
// signaling the caller to ask the issue author for more detail.
func (e *Extractor) Extract(ctx context.Context, ic ticket.IssueContext) ([]ticket.FileReference, []CrossRepoRef) {
	log := clog.FromContext(ctx)
	text := ic.Text()

	// Target lines get their own pass below; keep the generic scanners
	// from double-counting a "Target: path:line" suffix at the wrong
	// confidence.
	plain := reTargetHint.ReplaceAllString(text, "")

	merged := newRefSet()
	var crossRepo []CrossRepoRef

	// 1. Traceback frames: highest confidence, exact line numbers.
	for _, m := range reTracebackFrame.FindAllStringSubmatch(plain, -1) {
		p := e.normalize(sanitizeToken(m[1]))
		if p == "" {
			continue
		}
		line := 0
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			line = n
		}
		merged.add(ticket.FileReference{Path: p, StartLine: line, EndLine: line, Source: ticket.SourceTraceback})
	}

	// Generic path:line tokens carry traceback confidence, but only when
	// they land under an allowed prefix; anything else is likely a URL
	// port or timestamp.
	for _, m := range rePathLine.FindAllStringSubmatch(plain, -1) {
		p := e.normalize(sanitizeToken(m[1]))
		if p == "" || !pathAllowed(p, e.allowed) {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		merged.add(ticket.FileReference{Path: p, StartLine: line, EndLine: line, Source: ticket.SourceTraceback})
	}

	// 2. Explicit target hints.
	for _, m := range reTargetHint.FindAllStringSubmatch(text, -1) {
		raw := strings.Trim(strings.TrimSpace(m[1]), "`\"'")
		p, line, cross := e.normalizeTarget(raw)
		if cross != nil {
			log.With("repo", cross.Repo).With("path", cross.Path).
				Info("Excluding cross-repository target hint")
			crossRepo = append(crossRepo, *cross)
			continue
		}
		if p == "" {
			continue
		}
		merged.add(ticket.FileReference{Path: p, StartLine: line, EndLine: line, Source: ticket.SourceTargetHint})
	}

	// 3. Bare filename mentions: lowest confidence, resolved against the
	// allowed portion of the repository tree. A mention whose basename is
	// already pinned by a stronger pattern adds nothing.
	for _, m := range reMention.FindAllStringSubmatch(plain, -1) {
		if merged.hasBasename(m[1]) {
			continue
		}
		for _, p := range e.resolveMention(ctx, m[1]) {
			merged.add(ticket.FileReference{Path: p, Source: ticket.SourceMention})
		}
	}

	refs := merged.slice()
	log.With("references", len(refs)).With("cross_repo", len(crossRepo)).
		Debug("Extracted file references")
	return refs, crossRepo
}

// normalizeTarget resolves a raw target hint to a repository-relative path
// and optional line hint. It returns a CrossRepoRef when the hint names a
// different repository.
func (e *Extractor) normalizeTarget(raw string) (string, int, *CrossRepoRef) {
	// Explicitly repo-qualified forms first: owner/repo:path and blob URLs.
	if m := reBlobURL.FindStringSubmatch(raw); m != nil {
		if m[1] != e.fullRepo {
			return "", 0, &CrossRepoRef{Repo: m[1], Path: m[2]}
		}
		raw = m[2]
	} else if m := reRepoQualified.FindStringSubmatch(raw); m != nil && !looksLikeLineSuffix(m[2]) {
		if m[1] != e.fullRepo && m[1] != e.repoName {
			return "", 0, &CrossRepoRef{Repo: m[1], Path: m[2]}
		}
		raw = m[2]
	}

	// An optional ":<line>" suffix carries a line hint.
	line := 0
	if idx := strings.LastIndex(raw, ":"); idx > 0 {
		if n, err := strconv.Atoi(raw[idx+1:]); err == nil && n > 0 {
			line = n
			raw = raw[:idx]
		}
	}

	p := e.normalize(sanitizeToken(raw))
	if p == "" {
		return "", 0, nil
	}

	// A remaining leading segment is either a directory we are allowed to
	// touch or some other repository's name. The allow-list is the
	// vocabulary of same-repo roots.
	if first, _, ok := strings.Cut(p, "/"); ok {
		if !allowsAll(e.allowed) && !prefixKnown(first, e.allowed) {
			return "", 0, &CrossRepoRef{Repo: first, Path: strings.TrimPrefix(p, first+"/")}
		}
	}
	return p, line, nil
}

// normalize converts a raw path token to repository-relative form: forward
// slashes, no leading "./", and the current repository's name stripped when
// the path is qualified with it.
func (e *Extractor) normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")

	// Absolute or qualified paths that pass through the repository name
	// are trimmed to the part after it.
	if needle := "/" + e.repoName + "/"; strings.Contains(p, needle) {
		p = p[strings.Index(p, needle)+len(needle):]
	} else if strings.HasPrefix(p, e.repoName+"/") {
		p = strings.TrimPrefix(p, e.repoName+"/")
	}

	p = path.Clean(p)
	if p == "." || p == "/" {
		return ""
	}
	return p
}

// resolveMention maps a bare filename to candidate repository paths under
// the allowed prefixes.
func (e *Extractor) resolveMention(ctx context.Context, name string) []string {
	if e.lister != nil {
		paths, err := e.lister.List(ctx)
		if err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Listing repository files for mention resolution failed")
		} else {
			var out []string
			for _, p := range paths {
				if path.Base(p) == name && pathAllowed(p, e.allowed) {
					out = append(out, p)
				}
			}
			return out
		}
	}

	// No listing available: join each allowed prefix with the name.
	var out []string
	for _, prefix := range e.allowed {
		if prefix == "" {
			continue
		}
		out = append(out, strings.TrimSuffix(prefix, "/")+"/"+name)
	}
	return out
}

// looksLikeLineSuffix reports whether s is a bare line number, so that
// "path.py:42" is not mistaken for a repo-qualified "owner/repo:path" form.
func looksLikeLineSuffix(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func sanitizeToken(tok string) string {
	tok = strings.Trim(strings.TrimSpace(tok), "`\"'")
	return reTrailingJunk.ReplaceAllString(tok, "")
}

// allowsAll reports whether the allow-list permits every path (empty list
// or an empty entry).
func allowsAll(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "" {
			return true
		}
	}
	return false
}

// prefixKnown reports whether segment is the first component of some
// allowed prefix.
func prefixKnown(segment string, allowed []string) bool {
	for _, a := range allowed {
		first, _, _ := strings.Cut(strings.TrimSuffix(a, "/"), "/")
		if first == segment {
			return true
		}
	}
	return false
}

// pathAllowed reports whether p falls under one of the allowed prefixes,
// respecting directory boundaries.
func pathAllowed(p string, allowed []string) bool {
	if allowsAll(allowed) {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSuffix(a, "/")
		if p == a || strings.HasPrefix(p, a+"/") {
			return true
		}
	}
	return false
}

// refSet merges file references by path, keeping the highest-confidence
// source's line hint, in first-seen order.
type refSet struct {
	order []string
	byKey map[string]ticket.FileReference
}

func newRefSet() *refSet {
	return &refSet{byKey: make(map[string]ticket.FileReference)}
}

func (rs *refSet) add(ref ticket.FileReference) {
	existing, ok := rs.byKey[ref.Path]
	if !ok {
		rs.order = append(rs.order, ref.Path)
		rs.byKey[ref.Path] = ref
		return
	}
	// Higher-confidence source wins; at equal confidence the first line
	// hint sticks, but a missing hint is always filled in.
	switch {
	case ref.Source > existing.Source:
		rs.byKey[ref.Path] = ref
	case ref.Source == existing.Source && existing.StartLine == 0 && ref.StartLine != 0:
		rs.byKey[ref.Path] = ref
	}
}

func (rs *refSet) hasBasename(name string) bool {
	for _, p := range rs.order {
		if path.Base(p) == name {
			return true
		}
	}
	return false
}

func (rs *refSet) slice() []ticket.FileReference {
	out := make([]ticket.FileReference, 0, len(rs.order))
	for _, p := range rs.order {
		out = append(out, rs.byKey[p])
	}
	return out
}
