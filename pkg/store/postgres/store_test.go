// Copyright 2025 Certen Protocol
//
// Exercises Store against a real PostgreSQL instance when one is
// configured via FABRIC_TEST_DB; skipped otherwise, matching
// pkg/database's test-database-or-skip pattern.

package postgres

import (
	"os"
	"testing"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("FABRIC_TEST_DB")
	if url == "" {
		t.Skip("FABRIC_TEST_DB not configured, skipping postgres store tests")
	}
	s, err := Open(Config{URL: url, AutoMigrate: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetEntity(t *testing.T) {
	s := openTestStore(t)
	e := entity.Entity{ID: entity.NewID(), Kind: entity.KindTask, CurrentVersion: 1}
	if err := s.PutEntity(e); err != nil {
		t.Fatalf("put entity: %v", err)
	}
	got, err := s.GetEntity(e.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.ID != e.ID || got.Kind != e.Kind {
		t.Errorf("got %#v, want %#v", got, e)
	}
}

func TestAppendDeltaAndDeltas(t *testing.T) {
	s := openTestStore(t)
	id := entity.NewID()
	s.PutEntity(entity.Entity{ID: id, Kind: entity.KindTask, CurrentVersion: 1})

	d := entity.Delta{
		DeltaID: entity.NewID(), EntityID: id, Timestamp: 1,
		Author: entity.AuthorUser, PrevHash: hashkit.Genesis,
	}
	if err := s.AppendDelta(id, d); err != nil {
		t.Fatalf("append delta: %v", err)
	}
	deltas, err := s.Deltas(id)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	if len(deltas) != 1 || deltas[0].DeltaID != d.DeltaID {
		t.Fatalf("expected the appended delta back, got %#v", deltas)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetEntity(entity.NewID()); err == nil {
		t.Error("expected not-found error")
	}
}
