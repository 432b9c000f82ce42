/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubhost implements the GitHub API surface the issue reconciler
// and change manager rely on, with transient-error retries on every call.
package githubhost

import (
	"context"
	"fmt"
	"net/http"

	"chainguard.dev/ticketwatcher/agents/retry"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler/changemanager"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Client talks to GitHub over REST and GraphQL. It satisfies both
// changemanager.Host and issuereconciler.Host.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client
	rc      retry.Config
}

// NewFromToken builds a client from a personal access or Actions token.
func NewFromToken(ctx context.Context, token string) *Client {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return &Client{
		rest:    github.NewClient(hc),
		graphql: githubv4.NewClient(hc),
		rc:      retry.DefaultHostConfig(),
	}
}

// NewFromApp builds a client authenticated as a GitHub App installation.
func NewFromApp(appID, installationID int64, privateKeyPath string) (*Client, error) {
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load app key: %w", err)
	}
	hc := &http.Client{Transport: tr}
	return &Client{
		rest:    github.NewClient(hc),
		graphql: githubv4.NewClient(hc),
		rc:      retry.DefaultHostConfig(),
	}, nil
}

// REST exposes the underlying go-github client for callers that need it, such
// as the snippet source.
func (c *Client) REST() *github.Client { return c.rest }

func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, err := retry.Do(ctx, c.rc, "get_repository", retry.IsTransientHostError,
		func(ctx context.Context) (*github.Repository, error) {
			r, _, err := c.rest.Repositories.Get(ctx, owner, repo)
			return r, err
		})
	if err != nil {
		return "", fmt.Errorf("fetching %s/%s: %w", owner, repo, err)
	}
	return r.GetDefaultBranch(), nil
}

func (c *Client) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, err := retry.Do(ctx, c.rc, "get_ref", retry.IsTransientHostError,
		func(ctx context.Context) (*github.Reference, error) {
			ref, resp, err := c.rest.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
			if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%s: %w", branch, changemanager.ErrBranchNotFound)
			}
			return ref, err
		})
	if err != nil {
		return "", err
	}
	return ref.GetObject().GetSHA(), nil
}

func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, sha string) error {
	_, err := retry.Do(ctx, c.rc, "create_ref", retry.IsTransientHostError,
		func(ctx context.Context) (*github.Reference, error) {
			ref, _, err := c.rest.Git.CreateRef(ctx, owner, repo, github.CreateRef{
				Ref: "refs/heads/" + branch,
				SHA: sha,
			})
			return ref, err
		})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

func (c *Client) FileSHA(ctx context.Context, owner, repo, path, ref string) (string, error) {
	fc, err := retry.Do(ctx, c.rc, "get_contents", retry.IsTransientHostError,
		func(ctx context.Context) (*github.RepositoryContent, error) {
			fc, _, resp, err := c.rest.Repositories.GetContents(ctx, owner, repo, path,
				&github.RepositoryContentGetOptions{Ref: ref})
			if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, nil
			}
			return fc, err
		})
	if err != nil {
		return "", fmt.Errorf("fetching %s@%s: %w", path, ref, err)
	}
	if fc == nil {
		return "", nil
	}
	return fc.GetSHA(), nil
}

func (c *Client) CommitFile(ctx context.Context, owner, repo, branch, path, message, sha string, content []byte) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: content,
		Branch:  github.Ptr(branch),
	}
	if sha != "" {
		opts.SHA = github.Ptr(sha)
	}
	_, err := retry.Do(ctx, c.rc, "commit_file", retry.IsTransientHostError,
		func(ctx context.Context) (*github.RepositoryContentResponse, error) {
			var rc *github.RepositoryContentResponse
			var err error
			if sha != "" {
				rc, _, err = c.rest.Repositories.UpdateFile(ctx, owner, repo, path, opts)
			} else {
				rc, _, err = c.rest.Repositories.CreateFile(ctx, owner, repo, path, opts)
			}
			return rc, err
		})
	if err != nil {
		return fmt.Errorf("writing %s on %s: %w", path, branch, err)
	}
	return nil
}

func (c *Client) FindOpenPullRequest(ctx context.Context, owner, repo, headRef, baseRef string) (*changemanager.PullRequest, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes []struct {
					Number int
					Url    string
				}
			} `graphql:"pullRequests(headRefName: $headRef, baseRefName: $baseRef, states: [OPEN], first: 1)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner":   githubv4.String(owner),
		"repo":    githubv4.String(repo),
		"headRef": githubv4.String(headRef),
		"baseRef": githubv4.String(baseRef),
	}
	if err := c.graphql.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("querying pull request: %w", err)
	}
	nodes := query.Repository.PullRequests.Nodes
	if len(nodes) == 0 {
		return nil, nil
	}
	return &changemanager.PullRequest{Number: nodes[0].Number, URL: nodes[0].Url}, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, pr changemanager.NewPullRequest) (*changemanager.PullRequest, error) {
	created, err := retry.Do(ctx, c.rc, "create_pull_request", retry.IsTransientHostError,
		func(ctx context.Context) (*github.PullRequest, error) {
			created, _, err := c.rest.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
				Title: github.Ptr(pr.Title),
				Body:  github.Ptr(pr.Body),
				Head:  github.Ptr(pr.Head),
				Base:  github.Ptr(pr.Base),
				Draft: github.Ptr(pr.Draft),
			})
			return created, err
		})
	if err != nil {
		return nil, err
	}
	return &changemanager.PullRequest{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	return retry.Do(ctx, c.rc, "get_issue", retry.IsTransientHostError,
		func(ctx context.Context) (*github.Issue, error) {
			issue, _, err := c.rest.Issues.Get(ctx, owner, repo, number)
			return issue, err
		})
}

func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	type page struct {
		comments []*github.IssueComment
		resp     *github.Response
	}
	var all []*github.IssueComment
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		p, err := retry.Do(ctx, c.rc, "list_issue_comments", retry.IsTransientHostError,
			func(ctx context.Context) (page, error) {
				comments, resp, err := c.rest.Issues.ListComments(ctx, owner, repo, number, opts)
				return page{comments, resp}, err
			})
		if err != nil {
			return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
		}
		all = append(all, p.comments...)
		if p.resp.NextPage == 0 {
			break
		}
		opts.Page = p.resp.NextPage
	}
	return all, nil
}

func (c *Client) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := retry.Do(ctx, c.rc, "create_issue_comment", retry.IsTransientHostError,
		func(ctx context.Context) (*github.IssueComment, error) {
			comment, _, err := c.rest.Issues.CreateComment(ctx, owner, repo, number,
				&github.IssueComment{Body: github.Ptr(body)})
			return comment, err
		})
	if err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return nil
}
