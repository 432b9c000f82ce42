/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package snippets

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"chainguard.dev/ticketwatcher/agents/retry"
	"github.com/google/go-github/v75/github"
)

// GitHubSource reads repository content through the GitHub REST API at a
// fixed ref.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	ref    string
	rc     retry.Config

	listOnce sync.Once
	listing  []string
	listErr  error
}

var _ Source = (*GitHubSource)(nil)

// NewGitHubSource creates a Source backed by the GitHub contents API.
// ref may be a branch, tag, or SHA; empty means the repository default.
func NewGitHubSource(client *github.Client, owner, repo, ref string) *GitHubSource {
	return &GitHubSource{
		client: client,
		owner:  owner,
		repo:   repo,
		ref:    ref,
		rc:     retry.DefaultHostConfig(),
	}
}

// ReadFile implements Source.
func (s *GitHubSource) ReadFile(ctx context.Context, path string) (string, error) {
	opts := &github.RepositoryContentGetOptions{Ref: s.ref}
	content, err := retry.Do(ctx, s.rc, "get_contents", retry.IsTransientHostError,
		func(ctx context.Context) (*github.RepositoryContent, error) {
			fc, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path, opts)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusNotFound {
					return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
				}
				return nil, err
			}
			return fc, nil
		})
	if err != nil {
		return "", err
	}
	if content == nil {
		// The path resolved to a directory listing.
		return "", fmt.Errorf("%s is not a file: %w", path, ErrNotFound)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return decoded, nil
}

// List implements Source using the git trees API. The listing is fetched
// once and reused for the lifetime of the source.
func (s *GitHubSource) List(ctx context.Context) ([]string, error) {
	s.listOnce.Do(func() {
		ref := s.ref
		if ref == "" {
			ref = "HEAD"
		}
		tree, err := retry.Do(ctx, s.rc, "get_tree", retry.IsTransientHostError,
			func(ctx context.Context) (*github.Tree, error) {
				t, _, err := s.client.Git.GetTree(ctx, s.owner, s.repo, ref, true)
				return t, err
			})
		if err != nil {
			s.listErr = fmt.Errorf("listing repository tree: %w", err)
			return
		}
		for _, entry := range tree.Entries {
			if entry.GetType() == "blob" {
				s.listing = append(s.listing, entry.GetPath())
			}
		}
	})
	return s.listing, s.listErr
}
