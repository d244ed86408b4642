// Copyright 2025 Certen Protocol
//
// Emission priority for the sync session's outbound queue (spec.md §4.6,
// §6 priority table). Lower numbers are emitted first.

package sync

import (
	"sort"

	"github.com/certen/deltafabric/pkg/entity"
)

// priorityByKind mirrors the §6 priority table exactly. Kinds not listed
// fall back to the lowest priority (10), matching "dictionary and proposal
// kinds=10" as the catch-all tier for anything unrecognized.
var priorityByKind = map[entity.Kind]int{
	entity.KindSystemState:      1,
	entity.KindPendingAction:    2,
	entity.KindActuationIntent:  3,
	entity.KindActuator:         4,
	entity.KindActuatorState:    4,
	entity.KindActuationReceipt: 4,
	entity.KindSceneTile:        5,
	entity.KindUISurface:        6,
	entity.KindThread:           7,
	entity.KindMessage:          7,
	entity.KindTask:             8,
	entity.KindDraft:            9,
	entity.KindMotif:            10,
	entity.KindDictionaryEntry:  10,
}

// Priority returns the emission priority for an entity kind (1 highest).
func Priority(k entity.Kind) int {
	if p, ok := priorityByKind[k]; ok {
		return p
	}
	return 10
}

// QueueItem pairs a delta with the entity kind it belongs to, so the queue
// can sort without a store lookup per comparison.
type QueueItem struct {
	Kind  entity.Kind
	Delta entity.Delta
}

// SortForEmission orders items by entity-kind priority ascending, ties
// broken by delta timestamp ascending (spec.md §4.6).
func SortForEmission(items []QueueItem) []QueueItem {
	out := make([]QueueItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := Priority(out[i].Kind), Priority(out[j].Kind)
		if pi != pj {
			return pi < pj
		}
		return out[i].Delta.Timestamp < out[j].Delta.Timestamp
	})
	return out
}
