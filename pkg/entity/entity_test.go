package entity

import (
	"testing"

	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

func TestCreate_SetsGenesisPrevHash(t *testing.T) {
	hasher := hashkit.SHA256Hasher{}
	e, d, err := Create(KindTask, map[string]interface{}{"title": "t"}, AuthorUser, 1000, hasher)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !d.PrevHash.IsGenesis() {
		t.Error("creation delta must have genesis prev_hash")
	}
	if e.CurrentHash != d.NewHash {
		t.Error("entity current_hash must match creation delta's new_hash")
	}
	if e.CurrentVersion != 1 {
		t.Errorf("expected version 1, got %d", e.CurrentVersion)
	}
}

func TestExtend_ChainsFromPriorHash(t *testing.T) {
	hasher := hashkit.SHA256Hasher{}
	e, d1, err := Create(KindTask, map[string]interface{}{"status": "OPEN"}, AuthorUser, 1000, hasher)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state, err := patch.Apply(nil, d1.Patch)
	if err != nil {
		t.Fatalf("apply creation patch: %v", err)
	}

	e2, d2, err := Extend(e, state, patch.Patch{{Kind: patch.OpReplace, Path: "/status", Value: "DONE"}}, AuthorUser, 2000, hasher)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if d2.PrevHash != d1.NewHash {
		t.Error("extend's prev_hash must equal the prior delta's new_hash")
	}
	if e2.CurrentHash != d2.NewHash {
		t.Error("entity current_hash must track the latest delta")
	}
	if e2.CurrentVersion != 2 {
		t.Errorf("expected version 2, got %d", e2.CurrentVersion)
	}
}

func TestReconstruct_FoldsDeltasInTimestampOrder(t *testing.T) {
	d1 := Delta{DeltaID: NewID(), Timestamp: 2000, Patch: patch.Patch{{Kind: patch.OpReplace, Path: "/status", Value: "DONE"}}}
	d0 := Delta{DeltaID: NewID(), Timestamp: 1000, Patch: patch.Patch{{Kind: patch.OpAdd, Path: "/status", Value: "OPEN"}}}

	state, err := Reconstruct([]Delta{d1, d0})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	m, ok := state.(map[string]interface{})
	if !ok || m["status"] != "DONE" {
		t.Errorf("expected status DONE after folding in timestamp order, got %#v", state)
	}
}

func TestSortDeltas_TiesBreakByDeltaID(t *testing.T) {
	idLow, _ := ParseID("00000000-0000-0000-0000-000000000001")
	idHigh, _ := ParseID("00000000-0000-0000-0000-000000000002")
	dHigh := Delta{DeltaID: idHigh, Timestamp: 1000}
	dLow := Delta{DeltaID: idLow, Timestamp: 1000}

	sorted := SortDeltas([]Delta{dHigh, dLow})
	if sorted[0].DeltaID != idLow {
		t.Error("expected lower delta_id first on timestamp tie")
	}
}

func TestKind_IsValid(t *testing.T) {
	if !KindTask.IsValid() {
		t.Error("task should be a valid kind")
	}
	if Kind("not_a_real_kind").IsValid() {
		t.Error("unknown kind must not validate")
	}
}
