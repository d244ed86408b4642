package patch

import (
	"reflect"
	"testing"
)

func TestApply_LawGenesisCreation(t *testing.T) {
	ops := Patch{
		{Kind: OpAdd, Path: "/title", Value: "t"},
		{Kind: OpAdd, Path: "/status", Value: "OPEN"},
		{Kind: OpAdd, Path: "/priority", Value: "HIGH"},
	}
	got, err := Apply(nil, ops)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]interface{}{
		"title":    "t",
		"status":   "OPEN",
		"priority": "HIGH",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_ReplaceExistingField(t *testing.T) {
	base, err := Apply(nil, Patch{
		{Kind: OpAdd, Path: "/status", Value: "OPEN"},
	})
	if err != nil {
		t.Fatalf("base apply: %v", err)
	}
	got, err := Apply(base, Patch{
		{Kind: OpReplace, Path: "/status", Value: "DONE"},
	})
	if err != nil {
		t.Fatalf("replace apply: %v", err)
	}
	want := map[string]interface{}{"status": "DONE"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_ReplaceMissingParentFails(t *testing.T) {
	_, err := Apply(nil, Patch{
		{Kind: OpReplace, Path: "/status", Value: "DONE"},
	})
	if err == nil {
		t.Fatal("expected error replacing into empty state")
	}
}

func TestApply_NestedLawGenesis(t *testing.T) {
	got, err := Apply(nil, Patch{
		{Kind: OpAdd, Path: "/signals/open_loops", Value: 0},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]interface{}{
		"signals": map[string]interface{}{"open_loops": float64(0)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_ArrayAppend(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/items", Value: []interface{}{}}})
	got, err := Apply(base, Patch{
		{Kind: OpAdd, Path: "/items/-", Value: "a"},
		{Kind: OpAdd, Path: "/items/-", Value: "b"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]interface{}{"items": []interface{}{"a", "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_ArrayInsertAtIndex(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/items", Value: []interface{}{"a", "c"}}})
	got, err := Apply(base, Patch{
		{Kind: OpAdd, Path: "/items/1", Value: "b"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_ArrayRemove(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/items", Value: []interface{}{"a", "b", "c"}}})
	got, err := Apply(base, Patch{
		{Kind: OpRemove, Path: "/items/1"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]interface{}{"items": []interface{}{"a", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestApply_RemoveMissingKeyFails(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/status", Value: "OPEN"}})
	if _, err := Apply(base, Patch{{Kind: OpRemove, Path: "/missing"}}); err == nil {
		t.Fatal("expected error removing a missing key")
	}
}

func TestApply_ShapeConflictOnScalarParent(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/status", Value: "OPEN"}})
	_, err := Apply(base, Patch{{Kind: OpReplace, Path: "/status/nested", Value: 1}})
	if err == nil {
		t.Fatal("expected shape conflict replacing into a scalar")
	}
}

func TestApply_NeverMutatesInput(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/status", Value: "OPEN"}})
	baseMap := base.(map[string]interface{})
	_, err := Apply(base, Patch{{Kind: OpReplace, Path: "/status", Value: "DONE"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if baseMap["status"] != "OPEN" {
		t.Error("Apply must not mutate its input root")
	}
}

func TestApply_DoesNotPartiallyApply(t *testing.T) {
	base, _ := Apply(nil, Patch{{Kind: OpAdd, Path: "/status", Value: "OPEN"}})
	_, err := Apply(base, Patch{
		{Kind: OpReplace, Path: "/status", Value: "DONE"},
		{Kind: OpReplace, Path: "/missing/nested", Value: 1},
	})
	if err == nil {
		t.Fatal("expected second op to fail")
	}
	baseMap := base.(map[string]interface{})
	if baseMap["status"] != "OPEN" {
		t.Error("failed patch must not have mutated the original root")
	}
}
