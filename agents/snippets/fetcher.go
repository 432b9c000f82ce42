/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package snippets fetches bounded windows of file content for the patch
// planner. Windows are clamped to file bounds, and a missing file is a
// non-fatal outcome reported alongside the snippets that were found.
package snippets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"chainguard.dev/ticketwatcher/agents/ticket"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Source implementations when a path does not
// exist in the repository.
var ErrNotFound = errors.New("file not found")

// ErrSymbolNotFound is returned by FetchSymbol when the symbol does not
// appear anywhere in the file.
var ErrSymbolNotFound = errors.New("symbol not found")

// Source provides read access to one repository at a fixed ref.
type Source interface {
	// ReadFile returns the full content of the file at path, or an error
	// wrapping ErrNotFound when the path does not exist.
	ReadFile(ctx context.Context, path string) (string, error)

	// List enumerates the repository's file paths.
	List(ctx context.Context) ([]string, error)
}

const (
	// DefaultAroundLines is the default half-window fetched around a line hint.
	DefaultAroundLines = 60

	// minAroundLines floors per-request window overrides so the model cannot
	// request a window too small to reason about.
	minAroundLines = 10

	// maxConcurrentFetches bounds parallel reads against the source.
	maxConcurrentFetches = 4
)

// Fetcher retrieves code snippets from a Source, caching file contents for
// the lifetime of one pipeline invocation so repeated requests for the same
// path cost one read.
type Fetcher struct {
	src    Source
	around int

	mu    sync.Mutex
	files map[string][]string // path -> lines, nil means known missing
}

// NewFetcher creates a Fetcher. around is the half-window size in lines;
// values <= 0 fall back to DefaultAroundLines.
func NewFetcher(src Source, around int) *Fetcher {
	if around <= 0 {
		around = DefaultAroundLines
	}
	return &Fetcher{
		src:    src,
		around: around,
		files:  make(map[string][]string),
	}
}

// Fetch returns the snippet for one file reference. With a line hint the
// window spans [line-around, line+around] clamped to the file; without one,
// or with a hint beyond EOF, it is a head slice of at most 2*around lines.
// A missing file returns an error wrapping ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context, ref ticket.FileReference) (ticket.CodeSnippet, error) {
	return f.FetchWindow(ctx, ref.Path, ref.StartLine, 0)
}

// FetchWindow is Fetch with a per-request half-window override. around <= 0
// uses the fetcher default; positive values are clamped to
// [minAroundLines, default].
func (f *Fetcher) FetchWindow(ctx context.Context, path string, center, around int) (ticket.CodeSnippet, error) {
	lines, err := f.lines(ctx, path)
	if err != nil {
		return ticket.CodeSnippet{}, err
	}
	return f.window(path, lines, center, around), nil
}

// FetchSymbol returns a window centered on symbol in path, preferring a
// def/class definition line and falling back to the symbol's first
// occurrence. A file without the symbol returns an error wrapping
// ErrSymbolNotFound.
func (f *Fetcher) FetchSymbol(ctx context.Context, path, symbol string, around int) (ticket.CodeSnippet, error) {
	lines, err := f.lines(ctx, path)
	if err != nil {
		return ticket.CodeSnippet{}, err
	}

	def := regexp.MustCompile(`^\s*(def|class)\s+` + regexp.QuoteMeta(symbol) + `\b`)
	center := 0
	for i, line := range lines {
		if def.MatchString(line) {
			center = i + 1
			break
		}
	}
	if center == 0 {
		for i, line := range lines {
			if strings.Contains(line, symbol) {
				center = i + 1
				break
			}
		}
	}
	if center == 0 {
		return ticket.CodeSnippet{}, fmt.Errorf("%q in %s: %w", symbol, path, ErrSymbolNotFound)
	}
	return f.window(path, lines, center, around), nil
}

func (f *Fetcher) window(path string, lines []string, center, around int) ticket.CodeSnippet {
	around = f.clampAround(around)
	total := len(lines)
	start, end := 1, min(total, 2*around)
	// A hint past EOF means the issue references a stale revision, so the
	// head slice is the most useful window we can serve.
	if center > 0 && center <= total {
		start = max(1, center-around)
		end = min(total, center+around)
	}
	if end < start {
		// Empty file.
		start, end = 0, 0
	}

	var content string
	if start > 0 {
		content = strings.Join(lines[start-1:end], "\n")
	}
	return ticket.CodeSnippet{
		Path:      path,
		StartLine: start,
		EndLine:   end,
		Content:   content,
	}
}

func (f *Fetcher) clampAround(around int) int {
	if around <= 0 {
		return f.around
	}
	return max(minAroundLines, min(around, f.around))
}

// FetchAll fetches snippets for all references concurrently. It returns the
// snippets that were found, in the input order, plus the sorted paths that
// did not exist. Any other source failure aborts the whole batch.
func (f *Fetcher) FetchAll(ctx context.Context, refs []ticket.FileReference) ([]ticket.CodeSnippet, []string, error) {
	log := clog.FromContext(ctx)

	results := make([]*ticket.CodeSnippet, len(refs))
	missing := make([]bool, len(refs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentFetches)
	for i, ref := range refs {
		eg.Go(func() error {
			snip, err := f.Fetch(egCtx, ref)
			switch {
			case errors.Is(err, ErrNotFound):
				missing[i] = true
				return nil
			case err != nil:
				return fmt.Errorf("fetching %s: %w", ref.Path, err)
			}
			results[i] = &snip
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var snips []ticket.CodeSnippet
	notFoundSet := make(map[string]bool)
	for i, snip := range results {
		if missing[i] {
			notFoundSet[refs[i].Path] = true
			continue
		}
		if snip != nil {
			snips = append(snips, *snip)
		}
	}
	notFound := make([]string, 0, len(notFoundSet))
	for p := range notFoundSet {
		notFound = append(notFound, p)
	}
	sort.Strings(notFound)

	if len(notFound) > 0 {
		log.With("paths", notFound).Info("Some referenced files do not exist")
	}
	return snips, notFound, nil
}

// ReadFile exposes cached whole-file reads, for validators that need base
// content to diff against.
func (f *Fetcher) ReadFile(ctx context.Context, path string) (string, error) {
	lines, err := f.lines(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (f *Fetcher) lines(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	cached, ok := f.files[path]
	f.mu.Unlock()
	if ok {
		if cached == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return cached, nil
	}

	content, err := f.src.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			f.mu.Lock()
			f.files[path] = nil
			f.mu.Unlock()
		}
		return nil, err
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if content == "" {
		lines = []string{}
	}
	f.mu.Lock()
	f.files[path] = lines
	f.mu.Unlock()
	return lines, nil
}
