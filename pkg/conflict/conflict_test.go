package conflict

import (
	"testing"

	"github.com/certen/deltafabric/pkg/chain"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

func TestDetect_SkipsAlreadyTrackedFork(t *testing.T) {
	s := NewStore()
	id := entity.NewID()
	f := chain.Fork{
		EntityID: id,
		BranchA:  entity.Delta{DeltaID: entity.NewID()},
		BranchB:  entity.Delta{DeltaID: entity.NewID()},
	}

	first := s.Detect(id, []chain.Fork{f})
	if len(first) != 1 {
		t.Fatalf("expected 1 new record, got %d", len(first))
	}
	second := s.Detect(id, []chain.Fork{f})
	if len(second) != 0 {
		t.Fatalf("expected no new records for an already-tracked fork, got %d", len(second))
	}
	if len(s.Open(id)) != 1 {
		t.Fatalf("expected 1 open record, got %d", len(s.Open(id)))
	}
}

func TestResolve_ChooseAReplaysBranchAPatch(t *testing.T) {
	s := NewStore()
	hasher := hashkit.SHA256Hasher{}
	id := entity.NewID()

	base, baseDelta, err := entity.Create(entity.KindTask, map[string]interface{}{"status": "OPEN"}, entity.AuthorUser, 1000, hasher)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	base.ID = id
	baseState, _ := patch.Apply(nil, baseDelta.Patch)

	f := chain.Fork{
		EntityID: id,
		BranchA:  entity.Delta{DeltaID: entity.NewID(), Patch: patch.Patch{{Kind: patch.OpReplace, Path: "/status", Value: "DONE"}}},
		BranchB:  entity.Delta{DeltaID: entity.NewID(), Patch: patch.Patch{{Kind: patch.OpReplace, Path: "/status", Value: "CANCELLED"}}},
	}
	created := s.Detect(id, []chain.Fork{f})
	if len(created) != 1 {
		t.Fatalf("expected 1 record created")
	}

	delta, err := s.Resolve(created[0].ID, id, ResolutionChooseA, baseState, base, nil, entity.AuthorSystem, 2000, hasher)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, err := patch.Apply(baseState, delta.Patch)
	if err != nil {
		t.Fatalf("apply result: %v", err)
	}
	m := result.(map[string]interface{})
	if m["status"] != "DONE" {
		t.Errorf("expected status DONE after choosing branch A, got %v", m["status"])
	}
	if len(s.Open(id)) != 0 {
		t.Error("expected no open records after resolution")
	}

	audit, ok := m["_conflict_audit"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a _conflict_audit entry in the resolved state, got %#v", m)
	}
	if audit["resolution_type"] != string(ResolutionChooseA) {
		t.Errorf("expected resolution_type %q, got %v", ResolutionChooseA, audit["resolution_type"])
	}
	if audit["base_hash"] != f.PrevHash.String() {
		t.Errorf("expected base_hash %q, got %v", f.PrevHash.String(), audit["base_hash"])
	}
	if audit["branch_a_head"] != f.BranchA.NewHash.String() {
		t.Errorf("expected branch_a_head %q, got %v", f.BranchA.NewHash.String(), audit["branch_a_head"])
	}
	if audit["branch_b_head"] != f.BranchB.NewHash.String() {
		t.Errorf("expected branch_b_head %q, got %v", f.BranchB.NewHash.String(), audit["branch_b_head"])
	}
}

func TestResolve_AlreadyResolvedFails(t *testing.T) {
	s := NewStore()
	hasher := hashkit.SHA256Hasher{}
	id := entity.NewID()
	base, baseDelta, _ := entity.Create(entity.KindTask, map[string]interface{}{"status": "OPEN"}, entity.AuthorUser, 1000, hasher)
	base.ID = id
	baseState, _ := patch.Apply(nil, baseDelta.Patch)

	f := chain.Fork{EntityID: id, BranchA: entity.Delta{DeltaID: entity.NewID()}, BranchB: entity.Delta{DeltaID: entity.NewID()}}
	created := s.Detect(id, []chain.Fork{f})

	if _, err := s.Resolve(created[0].ID, id, ResolutionChooseA, baseState, base, nil, entity.AuthorSystem, 2000, hasher); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := s.Resolve(created[0].ID, id, ResolutionChooseA, baseState, base, nil, entity.AuthorSystem, 3000, hasher); err == nil {
		t.Fatal("expected error resolving an already-resolved record")
	}
}
