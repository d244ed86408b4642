// Copyright 2025 Certen Protocol
//
// Intent Store (spec.md §4.8) — process-local indexes over intents and
// receipts. Registrations are O(1); queries are bounded by category size.

package actuation

import (
	"fmt"
	"sync"

	"github.com/certen/deltafabric/pkg/entity"
)

type idSet map[entity.ID]struct{}

func (s idSet) add(id entity.ID)    { s[id] = struct{}{} }
func (s idSet) remove(id entity.ID) { delete(s, id) }
func (s idSet) keys() []entity.ID {
	out := make([]entity.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Store holds intents and receipts with the indexes spec.md §4.8 names.
type Store struct {
	mu sync.RWMutex

	intents  map[entity.ID]ActuationIntent
	receipts map[entity.ID]ActuationReceipt
	// receiptsByIntent enforces "unique per intent" (spec.md, ActuationReceipt).
	receiptsByIntent map[entity.ID]entity.ID

	byActuator map[entity.ID]idSet
	byStatus   map[IntentStatus]idSet
	byOwner    map[string]idSet

	// ownerOf resolves an actuator's owning node, needed to populate
	// byOwner at PutIntent time; the device agent's dispatch logic
	// (which actually owns actuator records) supplies this.
	ownerOf func(actuatorID entity.ID) string
}

// NewStore creates an empty intent store. ownerOf resolves an actuator id
// to its owning node id for the by-owner index; pass nil if unused.
func NewStore(ownerOf func(entity.ID) string) *Store {
	if ownerOf == nil {
		ownerOf = func(entity.ID) string { return "" }
	}
	return &Store{
		intents:          make(map[entity.ID]ActuationIntent),
		receipts:         make(map[entity.ID]ActuationReceipt),
		receiptsByIntent: make(map[entity.ID]entity.ID),
		byActuator:       make(map[entity.ID]idSet),
		byStatus:         make(map[IntentStatus]idSet),
		byOwner:          make(map[string]idSet),
		ownerOf:          ownerOf,
	}
}

// PutIntent upserts an intent, maintaining every index.
func (s *Store) PutIntent(i ActuationIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.intents[i.ID]; ok {
		if set, ok := s.byStatus[prior.Status]; ok {
			set.remove(i.ID)
		}
	} else {
		if s.byActuator[i.ActuatorID] == nil {
			s.byActuator[i.ActuatorID] = make(idSet)
		}
		s.byActuator[i.ActuatorID].add(i.ID)

		owner := s.ownerOf(i.ActuatorID)
		if s.byOwner[owner] == nil {
			s.byOwner[owner] = make(idSet)
		}
		s.byOwner[owner].add(i.ID)
	}
	s.intents[i.ID] = i

	if s.byStatus[i.Status] == nil {
		s.byStatus[i.Status] = make(idSet)
	}
	s.byStatus[i.Status].add(i.ID)
}

// GetIntent returns the intent for id, or an error if unknown.
func (s *Store) GetIntent(id entity.ID) (ActuationIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.intents[id]
	if !ok {
		return ActuationIntent{}, fmt.Errorf("actuation: no intent %s", id)
	}
	return i, nil
}

// PutReceipt registers a receipt, enforcing one-receipt-per-intent.
func (s *Store) PutReceipt(r ActuationReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receiptsByIntent[r.IntentID]; exists {
		return fmt.Errorf("actuation: intent %s already has a receipt", r.IntentID)
	}
	s.receipts[r.ID] = r
	s.receiptsByIntent[r.IntentID] = r.ID
	return nil
}

// ReceiptForIntent reports whether intentID already has a receipt, and
// returns it if so. This is the idempotency check the device agent
// consults before dispatching (spec.md §4.11 step 2).
func (s *Store) ReceiptForIntent(intentID entity.ID) (ActuationReceipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rid, ok := s.receiptsByIntent[intentID]
	if !ok {
		return ActuationReceipt{}, false
	}
	return s.receipts[rid], true
}

// ByActuator returns every intent id associated with actuatorID.
func (s *Store) ByActuator(actuatorID entity.ID) []entity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byActuator[actuatorID].keys()
}

// ByStatus returns every intent id currently in status.
func (s *Store) ByStatus(status IntentStatus) []entity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byStatus[status].keys()
}

// ByOwnerNode returns every intent id whose actuator is owned by nodeID.
func (s *Store) ByOwnerNode(nodeID string) []entity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byOwner[nodeID].keys()
}
