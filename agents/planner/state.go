/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package planner

import "fmt"

// State is the planner's position in the agent loop. Transitions:
//
//	Gathering -> AwaitingModel
//	AwaitingModel -> NeedContext -> AwaitingModel
//	AwaitingModel -> Proposing -> Done
//	any -> Aborted
type State int

const (
	// StateGathering is the initial snippet collection before the first
	// model turn.
	StateGathering State = iota
	// StateAwaitingModel means a prompt is in flight.
	StateAwaitingModel
	// StateNeedContext means the model asked for more snippets.
	StateNeedContext
	// StateProposing means a patch passed validation and awaits
	// materialization.
	StateProposing
	// StateDone means the patch was materialized.
	StateDone
	// StateAborted is the fail-closed terminal state.
	StateAborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateGathering:
		return "GATHERING"
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateNeedContext:
		return "NEED_CONTEXT"
	case StateProposing:
		return "PROPOSING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AbortReason says why a session ended in StateAborted.
type AbortReason int

const (
	// ReasonNone means the session did not abort.
	ReasonNone AbortReason = iota
	// ReasonTurnBudget means the model never proposed a patch within the
	// turn limit.
	ReasonTurnBudget
	// ReasonMalformed means the model stayed outside the response
	// contract after its corrective re-prompt.
	ReasonMalformed
	// ReasonValidation means the proposed patch violated the configured
	// boundaries.
	ReasonValidation
)

// String implements fmt.Stringer.
func (r AbortReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTurnBudget:
		return "turn_budget_exhausted"
	case ReasonMalformed:
		return "malformed_response"
	case ReasonValidation:
		return "validation_failed"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}
