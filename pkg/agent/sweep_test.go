package agent

import (
	"testing"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

func TestSweepExpired_ExpiresPastTTLAuthorizedIntent(t *testing.T) {
	a, store, intents := newTestAgent(t, &fakeExecutor{result: ExecResult{OK: true}})
	hasher := hashkit.SHA256Hasher{}

	intent := actuation.ActuationIntent{
		ID:         entity.NewID(),
		ActuatorID: entity.NewID(),
		Status:     actuation.IntentAuthorized,
		Request:    actuation.Request{Action: actuation.ActionSetOn},
		CreatedAt:  0,
		ExpiresAt:  100,
	}
	mustCreateIntent(t, store, hasher, intent)
	intents.PutIntent(intent)

	result, err := a.SweepExpired(entity.Timestamp(150))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 {
		t.Errorf("expected 1 expired intent, got %#v", result)
	}
	got, err := intents.GetIntent(intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Status != actuation.IntentExpired || got.Reason != ReasonTTLExceeded {
		t.Errorf("expected EXPIRED/TTL_EXCEEDED, got %#v", got)
	}
}

func TestSweepExpired_LeavesDispatchedIntentsAlone(t *testing.T) {
	a, store, intents := newTestAgent(t, &fakeExecutor{result: ExecResult{OK: true}})
	hasher := hashkit.SHA256Hasher{}

	intent := actuation.ActuationIntent{
		ID:         entity.NewID(),
		ActuatorID: entity.NewID(),
		Status:     actuation.IntentDispatched,
		Request:    actuation.Request{Action: actuation.ActionSetOn},
		ExpiresAt:  1,
	}
	mustCreateIntent(t, store, hasher, intent)
	intents.PutIntent(intent)

	result, err := a.SweepExpired(entity.Timestamp(1000))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("expected DISPATCHED intents to be left alone, got %#v", result)
	}
}

func TestSweepExpired_SkipsIntentsNotYetExpired(t *testing.T) {
	a, store, intents := newTestAgent(t, &fakeExecutor{result: ExecResult{OK: true}})
	hasher := hashkit.SHA256Hasher{}

	intent := actuation.ActuationIntent{
		ID:         entity.NewID(),
		ActuatorID: entity.NewID(),
		Status:     actuation.IntentAuthorized,
		Request:    actuation.Request{Action: actuation.ActionSetOn},
		ExpiresAt:  1000,
	}
	mustCreateIntent(t, store, hasher, intent)
	intents.PutIntent(intent)

	result, err := a.SweepExpired(entity.Timestamp(10))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("expected no expiry before TTL, got %#v", result)
	}
}
