/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package planner drives the agent loop: gather snippets, converse with the
// model under a turn budget, and hand a validated patch to the caller. The
// loop fails closed: anything that is not a validated patch within the
// budget ends in StateAborted with a reason the caller can relay to the
// issue author.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chainguard.dev/ticketwatcher/agents/metrics"
	"chainguard.dev/ticketwatcher/agents/model"
	"chainguard.dev/ticketwatcher/agents/prompt"
	"chainguard.dev/ticketwatcher/agents/snippets"
	"chainguard.dev/ticketwatcher/agents/ticket"
	"chainguard.dev/ticketwatcher/agents/validate"
	"github.com/chainguard-dev/clog"
)

// DefaultMaxTurns bounds the agent loop when no override is configured.
const DefaultMaxTurns = 3

// Planner runs agent sessions against one repository.
type Planner struct {
	chat      model.Chat
	fetcher   *snippets.Fetcher
	validator *validate.Validator
	c         ticket.Constraints

	maxTurns  int
	metrics   *metrics.Pipeline
	modelName string
}

// Option is a functional option for configuring the planner.
type Option func(*Planner) error

// WithMaxTurns overrides the turn budget.
func WithMaxTurns(turns int) Option {
	return func(p *Planner) error {
		if turns <= 0 {
			return fmt.Errorf("max turns must be positive, got %d", turns)
		}
		p.maxTurns = turns
		return nil
	}
}

// WithMetrics wires pipeline metrics; modelName is the dimension recorded
// on each counter.
func WithMetrics(m *metrics.Pipeline, modelName string) Option {
	return func(p *Planner) error {
		p.metrics = m
		p.modelName = modelName
		return nil
	}
}

// New creates a Planner. The chat must already carry the session's system
// prompt; the validator must enforce the same constraints passed here.
func New(chat model.Chat, fetcher *snippets.Fetcher, validator *validate.Validator, c ticket.Constraints, opts ...Option) (*Planner, error) {
	if chat == nil {
		return nil, errors.New("chat cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if validator == nil {
		return nil, errors.New("validator cannot be nil")
	}
	p := &Planner{
		chat:      chat,
		fetcher:   fetcher,
		validator: validator,
		c:         c,
		maxTurns:  DefaultMaxTurns,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Session is the outcome of one agent loop run. A session ends in
// StateProposing with a validated patch, or in StateAborted with a reason;
// the caller marks it StateDone once the patch is materialized.
type Session struct {
	state  State
	reason AbortReason

	// Patch is the validated patch; set only when state is StateProposing
	// or StateDone.
	Patch *ticket.ProposedPatch

	// Validation is the validator's verdict on the last proposed patch,
	// set when the model proposed one (accepted or not).
	Validation validate.Result

	// Missing lists referenced paths that do not exist in the repository.
	Missing []string

	// Turns is the number of model turns consumed.
	Turns int
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Reason returns why the session aborted, or ReasonNone.
func (s *Session) Reason() AbortReason { return s.reason }

// Complete marks a proposing session done after materialization.
func (s *Session) Complete() error {
	if s.state != StateProposing {
		return fmt.Errorf("cannot complete session in state %s", s.state)
	}
	s.state = StateDone
	return nil
}

func (s *Session) abort(reason AbortReason) *Session {
	s.state = StateAborted
	s.reason = reason
	return s
}

// Run executes the agent loop for one issue. The error return is reserved
// for infrastructure failures (model transport, snippet source); every
// model behavior, including garbage output, ends in a terminal Session
// instead.
func (p *Planner) Run(ctx context.Context, issue ticket.IssueContext, refs []ticket.FileReference) (*Session, error) {
	log := clog.FromContext(ctx).With("issue", issue.Number)
	session := &Session{state: StateGathering}

	// Snippet windows already shown to the model, and paths known missing,
	// so repeat requests cost nothing. fetched tracks which files the
	// model has actually been shown.
	seen := make(map[string]bool)
	missing := make(map[string]bool)
	fetched := make(map[string]bool)

	snips, notFound, err := p.fetcher.FetchAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("gathering snippets: %w", err)
	}
	for _, s := range snips {
		seen[s.Key()] = true
		fetched[s.Path] = true
	}
	for _, path := range notFound {
		missing[path] = true
		session.Missing = append(session.Missing, path)
	}

	message, err := prompt.Initial(issue, snips, notFound)
	if err != nil {
		return nil, err
	}

	for turn := 1; turn <= p.maxTurns; turn++ {
		session.state = StateAwaitingModel
		session.Turns = turn
		if p.metrics != nil {
			p.metrics.RecordTurn(ctx, p.modelName)
		}

		resp, err := p.exchange(ctx, message)
		if errors.Is(err, model.ErrMalformed) {
			log.With("turn", turn).With("error", err).Warn("Model stayed outside the contract after re-prompt")
			return session.abort(ReasonMalformed), nil
		}
		if err != nil {
			return nil, err
		}

		switch resp.Action {
		case model.ActionNeedMoreContext:
			session.state = StateNeedContext
			log.With("turn", turn).With("needs", len(resp.Needs)).Info("Model requested more context")
			if p.metrics != nil {
				p.metrics.RecordContextRequest(ctx, p.modelName, int64(len(resp.Needs)))
			}
			if turn == p.maxTurns {
				log.With("turns", turn).Info("Turn budget exhausted without a patch")
				return session.abort(ReasonTurnBudget), nil
			}

			newSnips, newMissing, err := p.fetchNeeds(ctx, resp.Needs, seen, missing)
			if err != nil {
				return nil, err
			}
			for _, s := range newSnips {
				fetched[s.Path] = true
			}
			session.Missing = append(session.Missing, newMissing...)
			message, err = prompt.MoreContext(newSnips, newMissing)
			if err != nil {
				return nil, err
			}

		case model.ActionProposePatch:
			session.state = StateProposing
			patch := &ticket.ProposedPatch{
				Files:     resp.Files,
				Summary:   resp.Summary,
				Rationale: resp.Rationale,
			}

			unfetched, err := p.unfetchedFiles(ctx, patch, fetched)
			if err != nil {
				return nil, err
			}

			res, err := p.validator.Validate(ctx, patch)
			if err != nil {
				return nil, fmt.Errorf("validating patch: %w", err)
			}
			res.Violations = append(unfetched, res.Violations...)
			session.Validation = res
			if !res.OK() {
				log.With("turn", turn).With("violations", len(res.Violations)).
					Info("Proposed patch failed validation")
				return session.abort(ReasonValidation), nil
			}

			session.Patch = patch
			log.With("turn", turn).With("files", res.FilesTouched).
				With("changed_lines", res.ChangedLines).
				Info("Patch validated")
			return session, nil
		}
	}

	return session.abort(ReasonTurnBudget), nil
}

// exchange sends one message and parses the reply, granting a single
// corrective re-prompt when the reply is malformed. A second malformed
// reply in the same turn returns ErrMalformed.
func (p *Planner) exchange(ctx context.Context, message string) (*model.Response, error) {
	raw, err := p.chat.Send(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("sending prompt: %w", err)
	}

	resp, perr := model.Parse(raw)
	if perr == nil {
		return resp, nil
	}

	clog.FromContext(ctx).With("error", perr).Info("Re-prompting after malformed response")
	raw, err = p.chat.Send(ctx, prompt.Correction(perr.Error()))
	if err != nil {
		return nil, fmt.Errorf("sending correction: %w", err)
	}
	return model.Parse(raw)
}

// unfetchedFiles flags patch entries that modify existing files the model
// was never shown. Paths that do not exist are fine here: they are new
// files, and the validator holds them to the allowed prefixes.
func (p *Planner) unfetchedFiles(ctx context.Context, patch *ticket.ProposedPatch, fetched map[string]bool) ([]validate.Violation, error) {
	paths := patch.Paths()
	sort.Strings(paths)

	var viols []validate.Violation
	for _, path := range paths {
		if fetched[path] {
			continue
		}
		_, err := p.fetcher.ReadFile(ctx, path)
		switch {
		case errors.Is(err, snippets.ErrNotFound):
			// New file.
		case err != nil:
			return nil, fmt.Errorf("checking %s: %w", path, err)
		default:
			viols = append(viols, validate.Violation{
				Rule:   validate.RuleUnfetchedFile,
				Path:   path,
				Detail: "patch modifies an existing file that was never part of the gathered context",
			})
		}
	}
	return viols, nil
}

// fetchNeeds converts context needs into snippets, skipping windows the
// model has already seen and paths already known missing.
func (p *Planner) fetchNeeds(ctx context.Context, needs []ticket.ContextNeed, seen, missing map[string]bool) ([]ticket.CodeSnippet, []string, error) {
	var fresh []ticket.CodeSnippet
	var notFound []string
	for _, need := range needs {
		if missing[need.Path] {
			continue
		}
		snip, err := p.fetchNeed(ctx, need)
		switch {
		case errors.Is(err, snippets.ErrNotFound):
			missing[need.Path] = true
			notFound = append(notFound, need.Path)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("fetching requested context: %w", err)
		}
		if seen[snip.Key()] {
			continue
		}
		seen[snip.Key()] = true
		fresh = append(fresh, snip)
	}
	sort.Strings(notFound)
	return fresh, notFound, nil
}

// fetchNeed serves one context need. A symbol centers the window when it
// resolves; a symbol that does not appear in the file falls back to the
// need's line window so the model still gets something to work with.
func (p *Planner) fetchNeed(ctx context.Context, need ticket.ContextNeed) (ticket.CodeSnippet, error) {
	if need.Symbol != "" {
		snip, err := p.fetcher.FetchSymbol(ctx, need.Path, need.Symbol, need.AroundLines)
		if !errors.Is(err, snippets.ErrSymbolNotFound) {
			return snip, err
		}
	}
	return p.fetcher.FetchWindow(ctx, need.Path, need.Line, need.AroundLines)
}
