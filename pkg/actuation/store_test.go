package actuation

import (
	"testing"

	"github.com/certen/deltafabric/pkg/entity"
)

func TestStore_PutIntent_IndexesByActuatorStatusOwner(t *testing.T) {
	actuatorID := entity.NewID()
	s := NewStore(func(entity.ID) string { return "node-1" })

	i := ActuationIntent{ID: entity.NewID(), ActuatorID: actuatorID, Status: IntentNew}
	s.PutIntent(i)

	if ids := s.ByActuator(actuatorID); len(ids) != 1 || ids[0] != i.ID {
		t.Errorf("expected 1 intent by actuator, got %#v", ids)
	}
	if ids := s.ByStatus(IntentNew); len(ids) != 1 {
		t.Errorf("expected 1 intent in NEW, got %d", len(ids))
	}
	if ids := s.ByOwnerNode("node-1"); len(ids) != 1 {
		t.Errorf("expected 1 intent for node-1, got %d", len(ids))
	}

	i.Status = IntentAuthorized
	s.PutIntent(i)
	if ids := s.ByStatus(IntentNew); len(ids) != 0 {
		t.Errorf("expected 0 intents remaining in NEW after transition, got %d", len(ids))
	}
	if ids := s.ByStatus(IntentAuthorized); len(ids) != 1 {
		t.Errorf("expected 1 intent in AUTHORIZED, got %d", len(ids))
	}
}

func TestStore_Receipt_UniquePerIntent(t *testing.T) {
	s := NewStore(nil)
	intentID := entity.NewID()

	if err := s.PutReceipt(ActuationReceipt{ID: entity.NewID(), IntentID: intentID, Outcome: OutcomeApplied}); err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	if err := s.PutReceipt(ActuationReceipt{ID: entity.NewID(), IntentID: intentID, Outcome: OutcomeApplied}); err == nil {
		t.Fatal("expected error registering a second receipt for the same intent")
	}

	r, ok := s.ReceiptForIntent(intentID)
	if !ok || r.Outcome != OutcomeApplied {
		t.Errorf("expected to find the registered receipt, got %#v ok=%v", r, ok)
	}
}
