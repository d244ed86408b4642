// Copyright 2025 Certen Protocol
//
// Conflict Store - tracks forks detected by the Chain Verifier and records
// their resolution.
//
// A fork is two deltas sharing a prev_hash: both sides edited the same
// entity state before either saw the other's delta. Resolution picks a
// surviving branch (or merges both) and produces a new delta that carries
// the entity forward from the fork point.

package conflict

import (
	"fmt"
	"sync"

	"github.com/certen/deltafabric/pkg/chain"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

// Resolution is the closed set of ways a fork may be resolved.
type Resolution string

const (
	ResolutionChooseA Resolution = "choose_a"
	ResolutionChooseB Resolution = "choose_b"
	ResolutionMerge   Resolution = "merge"
)

// Status tracks where a conflict record stands in its lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record is one tracked fork and, once resolved, its outcome.
type Record struct {
	ID          entity.ID
	EntityID    entity.ID
	Fork        chain.Fork
	Status      Status
	Resolution  Resolution
	ResultDelta *entity.Delta
}

// Store tracks conflict records in process memory, keyed by the entity
// they belong to. It mirrors the map-of-entries-with-state pattern used
// elsewhere in this codebase for in-flight coordination state.
type Store struct {
	mu      sync.RWMutex
	records map[entity.ID][]*Record
}

// NewStore creates an empty conflict store.
func NewStore() *Store {
	return &Store{records: make(map[entity.ID][]*Record)}
}

// Detect records a new Open conflict for every fork in forks that is not
// already tracked for the entity (matched by the fork's PrevHash and the
// two branch delta IDs), and returns the newly created records.
func (s *Store) Detect(entityID entity.ID, forks []chain.Fork) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[entityID]
	var created []*Record
	for _, f := range forks {
		if conflictTracked(existing, f) {
			continue
		}
		rec := &Record{
			ID:       entity.NewID(),
			EntityID: entityID,
			Fork:     f,
			Status:   StatusOpen,
		}
		existing = append(existing, rec)
		created = append(created, rec)
	}
	s.records[entityID] = existing
	return created
}

func conflictTracked(existing []*Record, f chain.Fork) bool {
	for _, r := range existing {
		if r.Fork.PrevHash == f.PrevHash &&
			r.Fork.BranchA.DeltaID == f.BranchA.DeltaID &&
			r.Fork.BranchB.DeltaID == f.BranchB.DeltaID {
			return true
		}
	}
	return false
}

// Open returns all unresolved conflict records for an entity.
func (s *Store) Open(entityID entity.ID) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records[entityID] {
		if r.Status == StatusOpen {
			out = append(out, r)
		}
	}
	return out
}

// Resolve applies a resolution to an open conflict record, producing the
// delta that carries the entity forward. For CHOOSE_A / CHOOSE_B the
// surviving branch's own patch is replayed against baseState. For MERGE,
// mergePatch (supplied by the caller, since only the caller's domain logic
// can decide how to combine two divergent edits) is applied instead.
func (s *Store) Resolve(recordID, entityID entity.ID, resolution Resolution, baseState interface{}, baseEntity entity.Entity, mergePatch patch.Patch, author entity.Author, now entity.Timestamp, hasher hashkit.Hasher) (entity.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *Record
	for _, r := range s.records[entityID] {
		if r.ID == recordID {
			rec = r
			break
		}
	}
	if rec == nil {
		return entity.Delta{}, fmt.Errorf("conflict: no record %s for entity %s", recordID, entityID)
	}
	if rec.Status != StatusOpen {
		return entity.Delta{}, fmt.Errorf("conflict: record %s is not open", recordID)
	}

	var opsToApply patch.Patch
	switch resolution {
	case ResolutionChooseA:
		opsToApply = rec.Fork.BranchA.Patch
	case ResolutionChooseB:
		opsToApply = rec.Fork.BranchB.Patch
	case ResolutionMerge:
		opsToApply = mergePatch
	default:
		return entity.Delta{}, fmt.Errorf("conflict: unknown resolution %q", resolution)
	}

	// spec.md §4.7: the resolution delta additionally records, under a
	// reserved path, the fork's base/branch hashes and the resolution type
	// for audit.
	opsToApply = append(append(patch.Patch{}, opsToApply...), patch.Op{
		Kind: patch.OpAdd,
		Path: "/_conflict_audit",
		Value: map[string]interface{}{
			"base_hash":       rec.Fork.PrevHash.String(),
			"branch_a_head":   rec.Fork.BranchA.NewHash.String(),
			"branch_b_head":   rec.Fork.BranchB.NewHash.String(),
			"resolution_type": string(resolution),
		},
	})

	_, delta, err := entity.Extend(baseEntity, baseState, opsToApply, author, now, hasher)
	if err != nil {
		return entity.Delta{}, fmt.Errorf("conflict: resolve %s: %w", recordID, err)
	}

	rec.Status = StatusResolved
	rec.Resolution = resolution
	rec.ResultDelta = &delta
	return delta, nil
}
