/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package snippets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// WorktreeSource reads files from a local git worktree. It is used when the
// repository has already been cloned, for example in CI where the checkout
// is the event's own repository.
type WorktreeSource struct {
	root string
}

var _ Source = (*WorktreeSource)(nil)

// NewWorktreeSource opens the git repository at dir and reads from its
// worktree root.
func NewWorktreeSource(dir string) (*WorktreeSource, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	return &WorktreeSource{root: wt.Filesystem.Root()}, nil
}

// ReadFile implements Source. Paths that escape the worktree root are
// treated as missing rather than read.
func (s *WorktreeSource) ReadFile(_ context.Context, path string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes the worktree: %w", path, ErrNotFound)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// List implements Source by walking the worktree, skipping the .git
// directory.
func (s *WorktreeSource) List(context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == git.GitDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking worktree: %w", err)
	}
	return paths, nil
}
