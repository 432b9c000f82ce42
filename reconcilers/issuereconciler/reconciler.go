/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package issuereconciler turns a triggering GitHub issue event into at most
// one draft pull request and exactly one outcome comment. It orchestrates the
// agents packages: extract the file references, fetch bounded snippets, run
// the planner against the model, validate the patch, and materialize it.
package issuereconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/ticketwatcher/agents/extract"
	"chainguard.dev/ticketwatcher/agents/metrics"
	"chainguard.dev/ticketwatcher/agents/model"
	"chainguard.dev/ticketwatcher/agents/planner"
	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/agents/ticket"
	"chainguard.dev/ticketwatcher/agents/validate"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler/changemanager"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// commandPrefix in an issue comment triggers the pipeline.
const commandPrefix = "/agent fix"

// Host is the GitHub read/comment surface the reconciler needs.
type Host interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error
}

// ChatFactory opens a fresh model conversation. The planner's chats are
// stateful, so each invocation gets its own.
type ChatFactory func(ctx context.Context) (model.Chat, error)

// Event is the triggering GitHub event, reduced to what the trigger policy
// needs. cmd/ticketwatcher builds it from the Actions event payload.
type Event struct {
	// Action is the event action: opened, reopened, labeled for issues
	// events, created for issue comments.
	Action      string
	IssueNumber int

	// Label is set for labeled actions.
	Label string

	// CommentBody is set for issue_comment events.
	CommentBody string
}

// Reconciler runs the pipeline for one repository.
type Reconciler struct {
	host    Host
	changes *changemanager.CM
	source  snippets.Source
	newChat ChatFactory
	cfg     Config
	metrics *metrics.Pipeline

	owner string
	repo  string
}

// Option configures a Reconciler.
type Option func(*Reconciler) error

// WithMetrics wires pipeline metrics.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(r *Reconciler) error {
		r.metrics = m
		return nil
	}
}

// New creates a reconciler for repository, given as "owner/name".
func New(host Host, changes *changemanager.CM, source snippets.Source, newChat ChatFactory, repository string, cfg Config, opts ...Option) (*Reconciler, error) {
	if host == nil || changes == nil || source == nil || newChat == nil {
		return nil, errors.New("host, change manager, source and chat factory are required")
	}
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository %q is not owner/name", repository)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &Reconciler{
		host:    host,
		changes: changes,
		source:  source,
		newChat: newChat,
		cfg:     cfg,
		owner:   owner,
		repo:    repo,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reconcile runs the pipeline for one event. Untriggered events return nil
// without side effects; every triggered run posts exactly one outcome comment
// on the issue. The error return is reserved for infrastructure failures.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) error {
	log := clog.FromContext(ctx).With(
		"owner", r.owner,
		"repo", r.repo,
		"issue", ev.IssueNumber)
	ctx = clog.WithLogger(ctx, log)

	issue, err := r.host.GetIssue(ctx, r.owner, r.repo, ev.IssueNumber)
	if err != nil {
		return fmt.Errorf("fetch issue #%d: %w", ev.IssueNumber, err)
	}

	if !r.shouldRun(ev, issue) {
		log.With("action", ev.Action).Debug("Event does not trigger the pipeline")
		return nil
	}
	if issue.GetState() == "closed" {
		log.Info("Issue is closed, skipping")
		return nil
	}

	ic, err := r.issueContext(ctx, ev, issue)
	if err != nil {
		return r.failTransient(ctx, ev.IssueNumber, err)
	}

	extractor := extract.New(r.owner+"/"+r.repo, r.cfg.AllowedPaths, extract.WithLister(r.source))
	refs, crossRepo := extractor.Extract(ctx, ic)

	if len(refs) == 0 {
		if len(crossRepo) > 0 {
			log.With("repos", len(crossRepo)).Info("Only cross-repository references found")
			return r.finish(ctx, ev.IssueNumber, "cross_repo", commentCrossRepo(crossRepo))
		}
		log.Info("No file references found in issue")
		return r.finish(ctx, ev.IssueNumber, "no_references", commentNoReferences(r.cfg.AllowedPaths))
	}

	session, err := r.plan(ctx, ic, refs)
	if err != nil {
		return r.failTransient(ctx, ev.IssueNumber, fmt.Errorf("run planner: %w", err))
	}

	if session.State() == planner.StateAborted {
		log.With("reason", session.Reason()).Info("Planner aborted")
		return r.finish(ctx, ev.IssueNumber, session.Reason().String(), commentAborted(session))
	}

	return r.materialize(ctx, ev, issue, session)
}

// shouldRun applies the trigger policy: opened and reopened issues always
// run, labeled runs when the added label is a trigger label, and comments run
// on the /agent fix command.
func (r *Reconciler) shouldRun(ev Event, issue *github.Issue) bool {
	if ev.CommentBody != "" {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ev.CommentBody)), commandPrefix)
	}
	switch ev.Action {
	case "opened", "reopened":
		return true
	case "labeled":
		return r.cfg.triggered(ev.Label)
	default:
		return hasTriggerLabel(issue, r.cfg)
	}
}

// issueContext assembles the planner's input from the issue and its comment
// thread. A triggering command comment is appended to the body so its text
// contributes to extraction.
func (r *Reconciler) issueContext(ctx context.Context, ev Event, issue *github.Issue) (ticket.IssueContext, error) {
	body := issue.GetBody()
	if ev.CommentBody != "" {
		body = body + "\n\n" + ev.CommentBody
	}

	comments, err := r.host.ListIssueComments(ctx, r.owner, r.repo, ev.IssueNumber)
	if err != nil {
		return ticket.IssueContext{}, fmt.Errorf("list comments on #%d: %w", ev.IssueNumber, err)
	}
	bodies := make([]string, 0, len(comments))
	for _, c := range comments {
		if b := c.GetBody(); b != "" {
			bodies = append(bodies, b)
		}
	}

	return ticket.IssueContext{
		Number:   ev.IssueNumber,
		Title:    issue.GetTitle(),
		Body:     body,
		Comments: bodies,
	}, nil
}

// plan runs the agent loop over a fresh chat, fetcher and validator.
func (r *Reconciler) plan(ctx context.Context, ic ticket.IssueContext, refs []ticket.FileReference) (*planner.Session, error) {
	chat, err := r.newChat(ctx)
	if err != nil {
		return nil, fmt.Errorf("open model chat: %w", err)
	}

	constraints := r.cfg.Constraints()
	fetcher := snippets.NewFetcher(r.source, r.cfg.AroundLines)
	validator := validate.New(fetcher, constraints)

	opts := []planner.Option{planner.WithMaxTurns(r.cfg.MaxTurns)}
	if r.metrics != nil {
		opts = append(opts, planner.WithMetrics(r.metrics, r.cfg.Model))
	}
	pl, err := planner.New(chat, fetcher, validator, constraints, opts...)
	if err != nil {
		return nil, fmt.Errorf("build planner: %w", err)
	}
	return pl.Run(ctx, ic, refs)
}

// materialize writes the accepted patch and posts the outcome comment.
func (r *Reconciler) materialize(ctx context.Context, ev Event, issue *github.Issue, session *planner.Session) error {
	log := clog.FromContext(ctx)

	cs := &changemanager.ChangeSet{
		Owner:       r.owner,
		Repo:        r.repo,
		IssueNumber: ev.IssueNumber,
		BaseBranch:  r.cfg.BaseBranch,
		Title:       fmt.Sprintf("%s #%d", r.cfg.PRTitlePrefix, ev.IssueNumber),
		Body:        prBody(ev.IssueNumber, session),
		Patch:       session.Patch,
		Precondition: func(ctx context.Context) (bool, error) {
			return r.stillEligible(ctx, ev)
		},
	}

	res, err := r.changes.Materialize(ctx, cs)
	switch {
	case errors.Is(err, changemanager.ErrPreconditionFailed):
		return r.finish(ctx, ev.IssueNumber, "precondition_failed", commentPreconditionFailed())

	case err != nil:
		var pe *changemanager.PartialError
		if errors.As(err, &pe) {
			if cerr := r.finish(ctx, ev.IssueNumber, "partial_materialization", commentPartial(pe)); cerr != nil {
				log.With("error", cerr).Warn("Failed to post partial-failure comment")
			}
			return fmt.Errorf("materialize patch: %w", err)
		}
		// Anything else is infrastructure, such as the precondition
		// re-check failing to reach GitHub.
		return r.failTransient(ctx, ev.IssueNumber, fmt.Errorf("materialize patch: %w", err))
	}

	if err := session.Complete(); err != nil {
		return err
	}

	outcome := "pr_created"
	if !res.Created {
		outcome = "pr_updated"
	}
	log.With("pr_url", res.PRURL).Info("Draft pull request ready")
	return r.finish(ctx, ev.IssueNumber, outcome, commentSuccess(res, session))
}

// stillEligible re-checks the trigger precondition right before writing:
// the issue must still be open, and label-triggered runs must still carry a
// trigger label.
func (r *Reconciler) stillEligible(ctx context.Context, ev Event) (bool, error) {
	issue, err := r.host.GetIssue(ctx, r.owner, r.repo, ev.IssueNumber)
	if err != nil {
		return false, err
	}
	if issue.GetState() == "closed" {
		return false, nil
	}
	if ev.Action == "labeled" && !hasTriggerLabel(issue, r.cfg) {
		return false, nil
	}
	return true, nil
}

// failTransient posts the try-again-later comment so that even exhausted
// retries leave exactly one outcome comment, then surfaces err to the caller.
func (r *Reconciler) failTransient(ctx context.Context, number int, err error) error {
	if cerr := r.finish(ctx, number, "infra_failure", commentTryAgainLater()); cerr != nil {
		clog.FromContext(ctx).With("error", cerr).Warn("Failed to post failure comment")
	}
	return err
}

// finish records the outcome and posts the invocation's single comment.
func (r *Reconciler) finish(ctx context.Context, number int, outcome, body string) error {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, outcome)
	}
	if err := r.host.CommentOnIssue(ctx, r.owner, r.repo, number, body); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

func hasTriggerLabel(issue *github.Issue, cfg Config) bool {
	for _, l := range issue.Labels {
		if cfg.triggered(l.GetName()) {
			return true
		}
	}
	return false
}
