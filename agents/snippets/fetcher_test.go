/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package snippets_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/agents/ticket"
	"github.com/google/go-cmp/cmp"
)

type fakeSource struct {
	files map[string]string
	reads atomic.Int32
	err   error
}

func (f *fakeSource) ReadFile(_ context.Context, path string) (string, error) {
	f.reads.Add(1)
	if f.err != nil {
		return "", f.err
	}
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

// numberedFile produces a file whose line N reads "line N".
func numberedFile(lines int) string {
	var sb strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	return sb.String()
}

func TestFetchWindowAroundLine(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(200)}}
	f := snippets.NewFetcher(src, 10)

	snip, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/app/auth.py", StartLine: 50})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snip.StartLine != 40 || snip.EndLine != 60 {
		t.Errorf("window = [%d, %d], want [40, 60]", snip.StartLine, snip.EndLine)
	}
	lines := strings.Split(snip.Content, "\n")
	if len(lines) != 21 {
		t.Errorf("got %d lines, want 21", len(lines))
	}
	if lines[0] != "line 40" || lines[len(lines)-1] != "line 60" {
		t.Errorf("window content spans %q..%q, want line 40..line 60", lines[0], lines[len(lines)-1])
	}
}

func TestFetchWindowClamped(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/short.py": numberedFile(15)}}
	f := snippets.NewFetcher(src, 10)

	for _, tc := range []struct {
		name       string
		center     int
		start, end int
	}{
		{name: "near top", center: 3, start: 1, end: 13},
		{name: "near bottom", center: 14, start: 4, end: 15},
		// A hint beyond the file falls back to the head slice.
		{name: "past EOF", center: 100, start: 1, end: 15},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snip, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/short.py", StartLine: tc.center})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if snip.StartLine != tc.start || snip.EndLine != tc.end {
				t.Errorf("window = [%d, %d], want [%d, %d]", snip.StartLine, snip.EndLine, tc.start, tc.end)
			}
			if lines := strings.Split(snip.Content, "\n"); lines[0] != fmt.Sprintf("line %d", tc.start) {
				t.Errorf("window starts at %q, want line %d", lines[0], tc.start)
			}
		})
	}
}

func TestFetchHintBeyondEOFServesHeadSlice(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/short.py": numberedFile(10)}}
	f := snippets.NewFetcher(src, 5)

	snip, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/short.py", StartLine: 500})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snip.StartLine != 1 || snip.EndLine != 10 {
		t.Errorf("window = [%d, %d], want [1, 10]", snip.StartLine, snip.EndLine)
	}
	if snip.Content == "" {
		t.Error("expected head slice content, got empty window")
	}
}

func TestFetchHeadSliceWithoutHint(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/big.py": numberedFile(500)}}
	f := snippets.NewFetcher(src, 10)

	snip, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/big.py"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snip.StartLine != 1 || snip.EndLine != 20 {
		t.Errorf("window = [%d, %d], want [1, 20]", snip.StartLine, snip.EndLine)
	}
}

func TestFetchWindowOverride(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(200)}}
	f := snippets.NewFetcher(src, 60)

	for _, tc := range []struct {
		name       string
		around     int
		start, end int
	}{
		{name: "narrowed", around: 20, start: 80, end: 120},
		{name: "floored", around: 3, start: 90, end: 110},
		{name: "capped at default", around: 500, start: 40, end: 160},
		{name: "zero uses default", around: 0, start: 40, end: 160},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snip, err := f.FetchWindow(t.Context(), "src/app/auth.py", 100, tc.around)
			if err != nil {
				t.Fatalf("FetchWindow: %v", err)
			}
			if snip.StartLine != tc.start || snip.EndLine != tc.end {
				t.Errorf("window = [%d, %d], want [%d, %d]", snip.StartLine, snip.EndLine, tc.start, tc.end)
			}
		})
	}
}

func TestFetchSymbol(t *testing.T) {
	t.Parallel()

	content := strings.Join([]string{
		"import db",
		"",
		"# get_user is called on every request",
		"",
		"def get_user(user_id):",
		"    return db.lookup(user_id)",
		"",
		"class UserStore:",
		"    pass",
	}, "\n") + "\n"
	src := &fakeSource{files: map[string]string{"src/app/users.py": content}}
	f := snippets.NewFetcher(src, 10)

	t.Run("prefers definition over mention", func(t *testing.T) {
		t.Parallel()
		snip, err := f.FetchSymbol(t.Context(), "src/app/users.py", "get_user", 0)
		if err != nil {
			t.Fatalf("FetchSymbol: %v", err)
		}
		// Centered on the def at line 5, not the comment at line 3.
		if snip.StartLine != 1 || snip.EndLine != 9 {
			t.Errorf("window = [%d, %d], want [1, 9]", snip.StartLine, snip.EndLine)
		}
		if !strings.Contains(snip.Content, "def get_user") {
			t.Errorf("window misses the definition: %q", snip.Content)
		}
	})

	t.Run("class definition", func(t *testing.T) {
		t.Parallel()
		snip, err := f.FetchSymbol(t.Context(), "src/app/users.py", "UserStore", 0)
		if err != nil {
			t.Fatalf("FetchSymbol: %v", err)
		}
		if !strings.Contains(snip.Content, "class UserStore") {
			t.Errorf("window misses the class: %q", snip.Content)
		}
	})

	t.Run("falls back to first occurrence", func(t *testing.T) {
		t.Parallel()
		snip, err := f.FetchSymbol(t.Context(), "src/app/users.py", "lookup", 0)
		if err != nil {
			t.Fatalf("FetchSymbol: %v", err)
		}
		if !strings.Contains(snip.Content, "db.lookup") {
			t.Errorf("window misses the occurrence: %q", snip.Content)
		}
	})

	t.Run("absent symbol", func(t *testing.T) {
		t.Parallel()
		_, err := f.FetchSymbol(t.Context(), "src/app/users.py", "delete_user", 0)
		if !errors.Is(err, snippets.ErrSymbolNotFound) {
			t.Fatalf("expected ErrSymbolNotFound, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := f.FetchSymbol(t.Context(), "src/ghost.py", "get_user", 0)
		if !errors.Is(err, snippets.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{}}
	f := snippets.NewFetcher(src, 10)

	_, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/absent.py"})
	if !errors.Is(err, snippets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchCachesFileReads(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/app/auth.py": numberedFile(100)}}
	f := snippets.NewFetcher(src, 10)

	for _, line := range []int{10, 50, 90} {
		if _, err := f.Fetch(t.Context(), ticket.FileReference{Path: "src/app/auth.py", StartLine: line}); err != nil {
			t.Fatalf("Fetch line %d: %v", line, err)
		}
	}
	if got := src.reads.Load(); got != 1 {
		t.Errorf("source reads = %d, want 1", got)
	}
}

func TestFetchAll(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{
		"src/app/auth.py": numberedFile(100),
		"src/app/db.py":   numberedFile(30),
	}}
	f := snippets.NewFetcher(src, 5)

	snips, notFound, err := f.FetchAll(t.Context(), []ticket.FileReference{
		{Path: "src/app/auth.py", StartLine: 42},
		{Path: "src/ghost.py", StartLine: 1},
		{Path: "src/app/db.py"},
	})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	if diff := cmp.Diff([]string{"src/ghost.py"}, notFound); diff != "" {
		t.Errorf("notFound mismatch (-want +got):\n%s", diff)
	}

	var paths []string
	for _, s := range snips {
		paths = append(paths, s.Path)
	}
	if diff := cmp.Diff([]string{"src/app/auth.py", "src/app/db.py"}, paths); diff != "" {
		t.Errorf("snippet order mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchAllPropagatesSourceFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("github is down")
	f := snippets.NewFetcher(&fakeSource{err: boom}, 5)

	_, _, err := f.FetchAll(t.Context(), []ticket.FileReference{{Path: "src/app/auth.py"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected source failure, got %v", err)
	}
}

func TestReadFileEmpty(t *testing.T) {
	t.Parallel()

	src := &fakeSource{files: map[string]string{"src/empty.py": ""}}
	f := snippets.NewFetcher(src, 5)

	content, err := f.ReadFile(t.Context(), "src/empty.py")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "" {
		t.Errorf("content = %q, want empty", content)
	}
}
