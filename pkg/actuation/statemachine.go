// Copyright 2025 Certen Protocol
//
// Intent State Machine (spec.md §4.10) — guards transitions between intent
// statuses and emits the patch each transition implies. DISPATCHED is
// explicitly a legal source for APPLIED/FAILED so a crash-resumed device
// agent can safely replay the terminal transition (spec.md §4.11 "Replay
// safety").

package actuation

import (
	"fmt"

	"github.com/certen/deltafabric/pkg/patch"
)

// legalTransitions maps a source status to the statuses it may move to.
var legalTransitions = map[IntentStatus][]IntentStatus{
	IntentNew:        {IntentAuthorized, IntentDenied, IntentExpired},
	IntentAuthorized: {IntentDispatched, IntentDenied, IntentExpired},
	IntentDispatched: {IntentApplied, IntentFailed},
}

// ErrIllegalTransition is returned when from does not legally reach to.
type ErrIllegalTransition struct {
	From, To IntentStatus
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("actuation: illegal transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from may legally move to to. A terminal
// from always returns false: "an intent with a terminal status is ignored
// by all subsequent evaluators" (spec.md §4.10).
func CanTransition(from, to IntentStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change, returning the patch
// ops the caller should fold into an entity.Extend call for the intent's
// backing entity. reason is optional and, when non-empty, is recorded
// alongside the new status.
func Transition(i ActuationIntent, to IntentStatus, reason string) (ActuationIntent, patch.Patch, error) {
	if !CanTransition(i.Status, to) {
		return ActuationIntent{}, nil, ErrIllegalTransition{From: i.Status, To: to}
	}

	ops := patch.Patch{{Kind: patch.OpReplace, Path: "/status", Value: string(to)}}
	if reason != "" {
		if i.Reason == "" {
			ops = append(ops, patch.Op{Kind: patch.OpAdd, Path: "/reason", Value: reason})
		} else {
			ops = append(ops, patch.Op{Kind: patch.OpReplace, Path: "/reason", Value: reason})
		}
	}

	i.Status = to
	i.Reason = reason
	return i, ops, nil
}
