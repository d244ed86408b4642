package orchestrator

import (
	"context"
	"testing"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/sync"
)

func testCaps() sync.Capabilities {
	return sync.Capabilities{ProtocolVersion: "1", MaxPacketBytes: 4096, SupportsChunking: true}
}

func TestCreateAndExtendEntity(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})

	e, err := o.CreateEntity(entity.KindTask, map[string]interface{}{"title": "write tests"}, entity.AuthorUser)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}

	got, err := o.GetEntity(e.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected same entity id back, got %v", got.ID)
	}

	deltas, err := o.GetDeltas(e.ID)
	if err != nil {
		t.Fatalf("get deltas: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("expected 1 genesis delta, got %d", len(deltas))
	}
}

func TestRequestIntent_AuthorizesImmediatelyWhenNoConfirmRequired(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})
	actuatorID := entity.NewID()
	o.RegisterActuator(actuation.Actuator{ID: actuatorID, Kind: actuation.ActuatorRelay, OwnerNodeID: "node-a"}, entity.NewID())

	intentID, err := o.RequestIntent(actuatorID, actuation.Request{Action: actuation.ActionSetOn}, "node-a", "user-1", false, 0)
	if err != nil {
		t.Fatalf("request intent: %v", err)
	}

	intent, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != actuation.IntentAuthorized {
		t.Errorf("expected AUTHORIZED, got %s", intent.Status)
	}
}

func TestRequestIntent_StaysNewWhenConfirmationRequired(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})
	actuatorID := entity.NewID()
	o.RegisterActuator(actuation.Actuator{ID: actuatorID, Kind: actuation.ActuatorRelay, OwnerNodeID: "node-a"}, entity.NewID())

	intentID, err := o.RequestIntent(actuatorID, actuation.Request{Action: actuation.ActionSetOn}, "node-a", "user-1", true, 0)
	if err != nil {
		t.Fatalf("request intent: %v", err)
	}

	intent, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != actuation.IntentNew {
		t.Errorf("expected NEW pending confirmation, got %s", intent.Status)
	}

	if err := o.ConfirmIntent(intentID); err != nil {
		t.Fatalf("confirm intent: %v", err)
	}
	confirmed, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent after confirm: %v", err)
	}
	if confirmed.Status != actuation.IntentAuthorized {
		t.Errorf("expected AUTHORIZED after confirm, got %s", confirmed.Status)
	}
}

func TestCancelIntent_DeniesNonTerminalIntent(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})
	actuatorID := entity.NewID()
	o.RegisterActuator(actuation.Actuator{ID: actuatorID, Kind: actuation.ActuatorRelay, OwnerNodeID: "node-a"}, entity.NewID())

	intentID, err := o.RequestIntent(actuatorID, actuation.Request{Action: actuation.ActionSetOn}, "node-a", "user-1", true, 0)
	if err != nil {
		t.Fatalf("request intent: %v", err)
	}

	if err := o.CancelIntent(intentID); err != nil {
		t.Fatalf("cancel intent: %v", err)
	}
	cancelled, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if cancelled.Status != actuation.IntentDenied || cancelled.Reason != "CANCELLED" {
		t.Errorf("expected DENIED/CANCELLED, got %#v", cancelled)
	}
}

func TestCancelIntent_DeniesAuthorizedIntent(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})
	actuatorID := entity.NewID()
	o.RegisterActuator(actuation.Actuator{ID: actuatorID, Kind: actuation.ActuatorRelay, OwnerNodeID: "node-a"}, entity.NewID())

	intentID, err := o.RequestIntent(actuatorID, actuation.Request{Action: actuation.ActionSetOn}, "node-a", "user-1", false, 0)
	if err != nil {
		t.Fatalf("request intent: %v", err)
	}
	authorized, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if authorized.Status != actuation.IntentAuthorized {
		t.Fatalf("expected AUTHORIZED before cancel, got %s", authorized.Status)
	}

	if err := o.CancelIntent(intentID); err != nil {
		t.Fatalf("cancel intent: %v", err)
	}
	cancelled, err := o.intents.GetIntent(intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if cancelled.Status != actuation.IntentDenied || cancelled.Reason != "CANCELLED" {
		t.Errorf("expected DENIED/CANCELLED, got %#v", cancelled)
	}
}

func TestHandlePacket_SyncsEntityAcrossTwoOrchestrators(t *testing.T) {
	a := New(Config{NodeID: "node-a", Caps: testCaps()})
	b := New(Config{NodeID: "node-b", Caps: testCaps()})

	// b holds the data, a starts empty: a's HELLO is answered with b's
	// heads, which puts the entity in a's RemoteOnly set (requested by
	// BuildWant from genesis) so the WANT/DELTAS round trip is the sole
	// path by which a can end up with it.
	created, err := b.CreateEntity(entity.KindTask, map[string]interface{}{"title": "shared"}, entity.AuthorUser)
	if err != nil {
		t.Fatalf("create entity on b: %v", err)
	}

	hello := sync.Packet{Type: sync.PacketHello, NodeID: "node-a", Body: sync.HelloBody{
		ProtocolVersion: "1", Caps: testCaps(), Nonce: "n1",
	}}
	heads, err := b.HandlePacket("node-a", hello)
	if err != nil {
		t.Fatalf("b handle hello: %v", err)
	}
	want, err := a.HandlePacket("node-b", *heads)
	if err != nil {
		t.Fatalf("a handle heads: %v", err)
	}
	deltasPkt, err := b.HandlePacket("node-a", *want)
	if err != nil {
		t.Fatalf("b handle want: %v", err)
	}
	ack, err := a.HandlePacket("node-b", *deltasPkt)
	if err != nil {
		t.Fatalf("a handle deltas: %v", err)
	}
	if ack == nil || ack.Type != sync.PacketAck {
		t.Fatalf("expected an ACK, got %#v", ack)
	}

	gotFromA, err := a.GetEntity(created.ID)
	if err != nil {
		t.Fatalf("a did not receive the entity from b: %v", err)
	}
	gotFromB, err := b.GetEntity(created.ID)
	if err != nil {
		t.Fatalf("get entity from b: %v", err)
	}
	if gotFromA.CurrentHash != created.CurrentHash {
		t.Error("a's converged entity hash must match the source entity's hash")
	}
	if gotFromA.CurrentHash != gotFromB.CurrentHash {
		t.Error("a and b must converge on the same entity hash")
	}
}

func TestTickDeviceAgentAndSweep_NoWorkIsNoOp(t *testing.T) {
	o := New(Config{NodeID: "node-a", Caps: testCaps()})
	if _, err := o.TickDeviceAgent(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := o.SweepExpiredIntents(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}
