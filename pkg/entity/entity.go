// Copyright 2025 Certen Protocol
//
// Entity/Delta model — the header of one logical object (Entity) and the
// append-only sequence of structured patches (Delta) that builds its state.

package entity

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/certen/deltafabric/pkg/hashkit"
	"github.com/certen/deltafabric/pkg/patch"
)

// ID is an opaque 128-bit identifier. Uniqueness is the caller's
// responsibility; callers typically obtain one via NewID.
type ID uuid.UUID

// NewID generates a fresh random ID.
func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// ParseID parses a stringified ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("entity: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Timestamp is monotonic milliseconds since a fixed epoch (spec.md §3).
type Timestamp int64

// Kind is the closed enumeration of entity kinds (spec.md §3).
type Kind string

const (
	KindSystemState       Kind = "system_state"
	KindThread            Kind = "thread"
	KindMessage           Kind = "message"
	KindTask              Kind = "task"
	KindDraft             Kind = "draft"
	KindPendingAction     Kind = "pending_action"
	KindMotif             Kind = "token_pattern_motif"
	KindUISurface         Kind = "ui_surface"
	KindSceneTile         Kind = "scene_tile"
	KindActuator          Kind = "actuator"
	KindActuatorState     Kind = "actuator_state"
	KindActuationIntent   Kind = "actuation_intent"
	KindActuationReceipt  Kind = "actuation_receipt"
	KindDictionaryEntry   Kind = "dictionary_entry"
)

// IsValid reports whether k is a member of the closed Kind enumeration.
func (k Kind) IsValid() bool {
	switch k {
	case KindSystemState, KindThread, KindMessage, KindTask, KindDraft,
		KindPendingAction, KindMotif, KindUISurface, KindSceneTile,
		KindActuator, KindActuatorState, KindActuationIntent,
		KindActuationReceipt, KindDictionaryEntry:
		return true
	}
	return false
}

// Author is the closed set of delta authors (spec.md §3).
type Author string

const (
	AuthorUser   Author = "user"
	AuthorSystem Author = "system"
	AuthorAgent  Author = "agent"
	AuthorPeer   Author = "peer"
)

// Entity is the header of one logical object in the fabric.
type Entity struct {
	ID             ID           `json:"id"`
	Kind           Kind         `json:"kind"`
	CreatedAt      Timestamp    `json:"created_at"`
	CurrentVersion uint64       `json:"current_version"`
	CurrentHash    hashkit.Hash `json:"current_hash"`
	IsArchived     bool         `json:"is_archived"`
}

// Delta is a single append to one entity's chain.
type Delta struct {
	DeltaID   ID           `json:"delta_id"`
	EntityID  ID           `json:"entity_id"`
	Timestamp Timestamp    `json:"timestamp"`
	Author    Author       `json:"author"`
	Patch     patch.Patch  `json:"patch"`
	PrevHash  hashkit.Hash `json:"prev_hash"`
	NewHash   hashkit.Hash `json:"new_hash"`
}

// Create builds the entity header and creation delta for a new entity. It
// emits one `add` op per top-level field of initial, so the creation delta
// lists only leaf paths and relies on the patch engine's law-genesis rule
// to build the full tree.
func Create(kind Kind, initial map[string]interface{}, author Author, now Timestamp, hasher hashkit.Hasher) (Entity, Delta, error) {
	ops := make(patch.Patch, 0, len(initial))
	for k, v := range initial {
		ops = append(ops, patch.Op{Kind: patch.OpAdd, Path: "/" + k, Value: v})
	}

	state, err := patch.Apply(nil, ops)
	if err != nil {
		return Entity{}, Delta{}, fmt.Errorf("entity: apply creation patch: %w", err)
	}
	newHash, err := hasher.Hash(state)
	if err != nil {
		return Entity{}, Delta{}, fmt.Errorf("entity: hash creation state: %w", err)
	}

	id := NewID()
	d := Delta{
		DeltaID:   NewID(),
		EntityID:  id,
		Timestamp: now,
		Author:    author,
		Patch:     ops,
		PrevHash:  hashkit.Genesis,
		NewHash:   newHash,
	}
	e := Entity{
		ID:             id,
		Kind:           kind,
		CreatedAt:      now,
		CurrentVersion: 1,
		CurrentHash:    newHash,
	}
	return e, d, nil
}

// Extend computes the delta that carries entity from currentState via ops,
// and returns the updated entity header alongside it.
func Extend(e Entity, currentState interface{}, ops patch.Patch, author Author, now Timestamp, hasher hashkit.Hasher) (Entity, Delta, error) {
	newState, err := patch.Apply(currentState, ops)
	if err != nil {
		return Entity{}, Delta{}, fmt.Errorf("entity: apply patch: %w", err)
	}
	newHash, err := hasher.Hash(newState)
	if err != nil {
		return Entity{}, Delta{}, fmt.Errorf("entity: hash new state: %w", err)
	}

	d := Delta{
		DeltaID:   NewID(),
		EntityID:  e.ID,
		Timestamp: now,
		Author:    author,
		Patch:     ops,
		PrevHash:  e.CurrentHash,
		NewHash:   newHash,
	}
	e.CurrentHash = newHash
	e.CurrentVersion++
	return e, d, nil
}

// Reconstruct folds deltas, sorted by timestamp (ties by DeltaID ascending,
// matching the chain's canonical tie-break rule, spec.md §4.4), over the
// empty value and returns the resulting state.
func Reconstruct(deltas []Delta) (interface{}, error) {
	sorted := SortDeltas(deltas)
	var state interface{}
	for _, d := range sorted {
		var err error
		state, err = patch.Apply(state, d.Patch)
		if err != nil {
			return nil, fmt.Errorf("entity: reconstruct at delta %s: %w", d.DeltaID, err)
		}
	}
	return state, nil
}

// SortDeltas returns a copy of deltas ordered by (timestamp, delta_id)
// ascending, the chain's canonical tie-break rule.
func SortDeltas(deltas []Delta) []Delta {
	out := make([]Delta, len(deltas))
	copy(out, deltas)
	// Simple insertion sort: delta chains per entity are small in practice
	// and this keeps the comparison logic (timestamp, then delta_id as a
	// byte-wise tiebreak) easy to audit.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && deltaLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func deltaLess(a, b Delta) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	au, bu := uuid.UUID(a.DeltaID), uuid.UUID(b.DeltaID)
	for i := range au {
		if au[i] != bu[i] {
			return au[i] < bu[i]
		}
	}
	return false
}
