// Copyright 2025 Certen Protocol
//
// Expiry sweep (spec.md §4.11, "Expiry sweep"): periodically, any
// non-terminal intent past its expires_at is transitioned to EXPIRED with
// reason TTL_EXCEEDED. This is the only mechanism that ages out intents —
// an intent's TTL is advisory until the sweep acts on it.

package agent

import (
	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/entity"
)

// ReasonTTLExceeded is the reason recorded on intents the sweep expires.
const ReasonTTLExceeded = "TTL_EXCEEDED"

// SweepResult summarizes one SweepExpired invocation.
type SweepResult struct {
	Expired int
}

// sweepableStatuses is the set of statuses the sweep considers for
// expiry. DISPATCHED is excluded: once dispatched, an intent's fate is
// APPLIED or FAILED, decided by the device agent, not the clock.
var sweepableStatuses = []actuation.IntentStatus{
	actuation.IntentNew,
	actuation.IntentAuthorized,
}

// SweepExpired walks every sweepable intent and expires those whose
// expires_at has passed as of now.
func (a *Agent) SweepExpired(now entity.Timestamp) (SweepResult, error) {
	var result SweepResult

	seen := make(map[string]struct{})
	for _, status := range sweepableStatuses {
		for _, id := range a.intents.ByStatus(status) {
			key := id.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			intent, err := a.intents.GetIntent(id)
			if err != nil {
				continue
			}
			if int64(now) <= int64(intent.ExpiresAt) {
				continue
			}
			if _, err := a.transitionIntent(intent, actuation.IntentExpired, ReasonTTLExceeded); err != nil {
				a.logger.Printf("sweep: expire intent %s: %v", intent.ID, err)
				continue
			}
			result.Expired++
		}
	}
	return result, nil
}
