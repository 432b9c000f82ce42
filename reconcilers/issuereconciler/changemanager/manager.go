/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package changemanager materializes a validated patch as a branch and a
// draft pull request. Branch names are a deterministic function of the issue
// number, so re-running the pipeline for the same issue converges on the same
// branch and pull request instead of piling up duplicates.
package changemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"chainguard.dev/ticketwatcher/agents/ticket"
	"github.com/chainguard-dev/clog"
)

// ErrBranchNotFound is returned by Host.BranchHead when the ref does not
// exist on the remote.
var ErrBranchNotFound = errors.New("branch not found")

// ErrPreconditionFailed is returned by Materialize when the change set's
// precondition reports the issue is no longer eligible, e.g. it was closed or
// untriggered while the planner was running.
var ErrPreconditionFailed = errors.New("precondition no longer holds")

// Stages at which materialization can fail. A PartialError carries the stage
// so callers can report which artifacts already exist.
const (
	StageBranch      = "branch"
	StageCommit      = "commit"
	StagePullRequest = "pull_request"
)

// PartialError records a materialization failure partway through. Branch is
// the head branch that was created (or already existed) before the failure,
// so a caller can tell the reporter which artifacts are live.
type PartialError struct {
	Stage  string
	Branch string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("materialize failed at %s (branch %q): %v", e.Stage, e.Branch, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// PullRequest describes an open pull request on the host.
type PullRequest struct {
	Number int
	URL    string
}

// NewPullRequest holds the fields for opening a pull request.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Host is the GitHub write surface the change manager needs.
type Host interface {
	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)

	// BranchHead returns the commit SHA at the tip of branch, or
	// ErrBranchNotFound.
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)

	// CreateBranch creates branch pointing at sha.
	CreateBranch(ctx context.Context, owner, repo, branch, sha string) error

	// FileSHA returns the blob SHA of path at ref, or "" when the path does
	// not exist there.
	FileSHA(ctx context.Context, owner, repo, path, ref string) (string, error)

	// CommitFile creates or updates a single file on branch. sha is the
	// existing blob SHA for updates and "" for new files.
	CommitFile(ctx context.Context, owner, repo, branch, path, message, sha string, content []byte) error

	// FindOpenPullRequest returns the open pull request from headRef into
	// baseRef, or nil when there is none.
	FindOpenPullRequest(ctx context.Context, owner, repo, headRef, baseRef string) (*PullRequest, error)

	// CreatePullRequest opens a pull request and returns it.
	CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
}

// ChangeSet is everything needed to materialize one patch.
type ChangeSet struct {
	Owner       string
	Repo        string
	IssueNumber int

	// BaseBranch is the branch to fork from and target. Empty means the
	// repository default branch.
	BaseBranch string

	Title string
	Body  string
	Patch *ticket.ProposedPatch

	// Precondition, when set, is re-checked immediately before any write. The
	// planner can run for minutes; this catches issues that were closed or
	// untriggered in the meantime. Returning false aborts with
	// ErrPreconditionFailed.
	Precondition func(ctx context.Context) (bool, error)
}

// Result reports where the patch landed.
type Result struct {
	Branch   string
	PRNumber int
	PRURL    string

	// Created is false when an existing open pull request on the branch was
	// updated instead of a new one being opened.
	Created bool
}

// CM materializes change sets against a Host.
type CM struct {
	host         Host
	branchPrefix string
}

// New creates a change manager. branchPrefix is prepended to the issue number
// to form head branch names, e.g. "agent-fix/" yields "agent-fix/123".
func New(host Host, branchPrefix string) (*CM, error) {
	if host == nil {
		return nil, errors.New("host is required")
	}
	if branchPrefix == "" {
		return nil, errors.New("branch prefix is required")
	}
	return &CM{host: host, branchPrefix: branchPrefix}, nil
}

// BranchName returns the deterministic head branch for an issue.
func (cm *CM) BranchName(issueNumber int) string {
	return cm.branchPrefix + strconv.Itoa(issueNumber)
}

// Materialize writes the patch files to the issue's head branch and ensures a
// draft pull request exists for it. Failures partway through are wrapped in a
// PartialError naming the stage reached.
func (cm *CM) Materialize(ctx context.Context, cs *ChangeSet) (*Result, error) {
	log := clog.FromContext(ctx).With(
		"owner", cs.Owner,
		"repo", cs.Repo,
		"issue", cs.IssueNumber)

	if cs.Patch == nil || len(cs.Patch.Files) == 0 {
		return nil, errors.New("change set has no files")
	}

	if cs.Precondition != nil {
		ok, err := cs.Precondition(ctx)
		if err != nil {
			return nil, fmt.Errorf("re-checking precondition: %w", err)
		}
		if !ok {
			log.Info("Precondition no longer holds, not writing")
			return nil, ErrPreconditionFailed
		}
	}

	branch := cm.BranchName(cs.IssueNumber)

	base := cs.BaseBranch
	if base == "" {
		var err error
		base, err = cm.host.DefaultBranch(ctx, cs.Owner, cs.Repo)
		if err != nil {
			return nil, &PartialError{Stage: StageBranch, Branch: "", Err: fmt.Errorf("resolve default branch: %w", err)}
		}
	}

	// Reuse an existing open PR on the branch when one exists. Its head
	// branch is updated in place below.
	existing, err := cm.host.FindOpenPullRequest(ctx, cs.Owner, cs.Repo, branch, base)
	if err != nil {
		return nil, &PartialError{Stage: StageBranch, Branch: "", Err: fmt.Errorf("look up open pull request: %w", err)}
	}

	if err := cm.ensureBranch(ctx, cs, branch, base); err != nil {
		return nil, &PartialError{Stage: StageBranch, Branch: "", Err: err}
	}

	if err := cm.commitFiles(ctx, cs, branch); err != nil {
		return nil, &PartialError{Stage: StageCommit, Branch: branch, Err: err}
	}

	if existing != nil {
		log.With("pr", existing.Number).Info("Updated existing pull request branch")
		return &Result{Branch: branch, PRNumber: existing.Number, PRURL: existing.URL, Created: false}, nil
	}

	pr, err := cm.host.CreatePullRequest(ctx, cs.Owner, cs.Repo, NewPullRequest{
		Title: cs.Title,
		Body:  cs.Body,
		Head:  branch,
		Base:  base,
		Draft: true,
	})
	if err != nil {
		return nil, &PartialError{Stage: StagePullRequest, Branch: branch, Err: fmt.Errorf("create pull request: %w", err)}
	}

	log.With("pr", pr.Number).Info("Created draft pull request")
	return &Result{Branch: branch, PRNumber: pr.Number, PRURL: pr.URL, Created: true}, nil
}

// ensureBranch creates the head branch from base if it does not exist yet.
func (cm *CM) ensureBranch(ctx context.Context, cs *ChangeSet, branch, base string) error {
	_, err := cm.host.BranchHead(ctx, cs.Owner, cs.Repo, branch)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, ErrBranchNotFound):
		return fmt.Errorf("check branch %s: %w", branch, err)
	}

	sha, err := cm.host.BranchHead(ctx, cs.Owner, cs.Repo, base)
	if err != nil {
		return fmt.Errorf("resolve base branch %s: %w", base, err)
	}
	if err := cm.host.CreateBranch(ctx, cs.Owner, cs.Repo, branch, sha); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// commitFiles writes each patch file to the branch in sorted path order so
// retries replay commits deterministically.
func (cm *CM) commitFiles(ctx context.Context, cs *ChangeSet, branch string) error {
	paths := cs.Patch.Paths()
	sort.Strings(paths)

	message := commitMessage(cs)
	for _, path := range paths {
		sha, err := cm.host.FileSHA(ctx, cs.Owner, cs.Repo, path, branch)
		if err != nil {
			return fmt.Errorf("stat %s on %s: %w", path, branch, err)
		}
		if err := cm.host.CommitFile(ctx, cs.Owner, cs.Repo, branch, path, message, sha, []byte(cs.Patch.Files[path])); err != nil {
			return fmt.Errorf("commit %s: %w", path, err)
		}
	}
	return nil
}

func commitMessage(cs *ChangeSet) string {
	if cs.Title != "" {
		return fmt.Sprintf("%s (#%d)", cs.Title, cs.IssueNumber)
	}
	return fmt.Sprintf("Proposed fix for #%d", cs.IssueNumber)
}
