/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package issuereconciler

import (
	"fmt"
	"strings"

	"chainguard.dev/ticketwatcher/agents/extract"
	"chainguard.dev/ticketwatcher/agents/planner"
	"chainguard.dev/ticketwatcher/reconcilers/issuereconciler/changemanager"
)

// The reconciler posts exactly one comment per invocation. Each terminal
// outcome has a renderer here; Reconcile picks one and posts it.

func commentNoReferences(allowed []string) string {
	var sb strings.Builder
	sb.WriteString("**TicketWatcher** could not find any file references in this issue.\n\n")
	sb.WriteString("To point the agent at the right code, include one of:\n\n")
	sb.WriteString("1. A `Target:` line, e.g. `Target: src/app/auth.py:42`\n")
	sb.WriteString("2. A traceback or stack trace from the failure\n")
	sb.WriteString("3. A mention of the file, e.g. \"the bug is in auth.py\"\n\n")
	fmt.Fprintf(&sb, "**Allowed paths:** %s\n", allowedList(allowed))
	return sb.String()
}

func commentCrossRepo(refs []extract.CrossRepoRef) string {
	var sb strings.Builder
	sb.WriteString("**TicketWatcher** detected references to a different repository:\n\n")
	for _, ref := range refs {
		fmt.Fprintf(&sb, "- `%s` in `%s`\n", ref.Path, ref.Repo)
	}
	sb.WriteString("\nThe agent can only change files in the repository it is installed in. ")
	sb.WriteString("Move the issue to the referenced repository, or install TicketWatcher there.\n")
	return sb.String()
}

func commentAborted(session *planner.Session) string {
	switch session.Reason() {
	case planner.ReasonValidation:
		var sb strings.Builder
		sb.WriteString("**TicketWatcher** produced a patch, but it violated the change budget and was rejected:\n\n")
		for _, v := range session.Validation.Violations {
			fmt.Fprintf(&sb, "- %s\n", v)
		}
		sb.WriteString("\nNo changes were applied. Consider narrowing the scope of the issue or escalating to a human.\n")
		return sb.String()
	case planner.ReasonMalformed:
		return "**TicketWatcher** could not get a usable response from the model after a corrective retry. " +
			"No changes were applied. Re-trigger the agent to try again.\n"
	case planner.ReasonTurnBudget:
		var sb strings.Builder
		fmt.Fprintf(&sb, "**TicketWatcher** ran out of turns (%d) before the model proposed a patch.\n\n", session.Turns)
		if len(session.Missing) > 0 {
			sb.WriteString("Files referenced but not found in the repository:\n\n")
			for _, path := range session.Missing {
				fmt.Fprintf(&sb, "- `%s`\n", path)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("No changes were applied. Add more pointers to the relevant code and re-trigger the agent.\n")
		return sb.String()
	default:
		return "**TicketWatcher** aborted without applying changes.\n"
	}
}

func commentTryAgainLater() string {
	return "**TicketWatcher** hit a transient failure talking to an external service and gave up after retrying. " +
		"No changes were applied. Re-trigger the agent to try again later.\n"
}

func commentPreconditionFailed() string {
	return "**TicketWatcher** finished planning, but the issue was closed or untriggered in the meantime. " +
		"No changes were applied.\n"
}

func commentPartial(pe *changemanager.PartialError) string {
	var sb strings.Builder
	sb.WriteString("**TicketWatcher** failed partway through materializing the fix.\n\n")
	switch pe.Stage {
	case changemanager.StageBranch:
		sb.WriteString("No branch or pull request was created.\n")
	case changemanager.StageCommit:
		fmt.Fprintf(&sb, "Branch `%s` exists but may hold only part of the patch. No pull request was opened.\n", pe.Branch)
	case changemanager.StagePullRequest:
		fmt.Fprintf(&sb, "Branch `%s` holds the complete patch, but opening the pull request failed. "+
			"A human can open a PR from that branch manually.\n", pe.Branch)
	}
	return sb.String()
}

func commentSuccess(res *changemanager.Result, session *planner.Session) string {
	var sb strings.Builder
	if res.Created {
		fmt.Fprintf(&sb, "**TicketWatcher** opened a draft pull request: %s\n\n", res.PRURL)
	} else {
		fmt.Fprintf(&sb, "**TicketWatcher** updated the existing draft pull request: %s\n\n", res.PRURL)
	}
	if session.Patch.Summary != "" {
		fmt.Fprintf(&sb, "**Summary:** %s\n\n", session.Patch.Summary)
	}
	fmt.Fprintf(&sb, "**Files:** %d • **Lines changed:** %d • **Branch:** `%s`\n\n",
		session.Validation.FilesTouched, session.Validation.ChangedLines, res.Branch)
	sb.WriteString("Please review before merging.\n")
	return sb.String()
}

// prBody renders the draft pull request description.
func prBody(issueNumber int, session *planner.Session) string {
	var sb strings.Builder
	sb.WriteString("Draft pull request created by TicketWatcher.\n\n")
	if session.Patch.Summary != "" {
		fmt.Fprintf(&sb, "**Summary:** %s\n\n", session.Patch.Summary)
	}
	if session.Patch.Rationale != "" {
		fmt.Fprintf(&sb, "**Rationale:**\n%s\n\n", session.Patch.Rationale)
	}
	fmt.Fprintf(&sb, "**Files:** %d • **Lines changed:** %d\n\n",
		session.Validation.FilesTouched, session.Validation.ChangedLines)
	fmt.Fprintf(&sb, "Fixes #%d. Please review before merging.\n", issueNumber)
	return sb.String()
}

func allowedList(allowed []string) string {
	if len(allowed) == 0 {
		return "(entire repository)"
	}
	return strings.Join(allowed, ", ")
}
