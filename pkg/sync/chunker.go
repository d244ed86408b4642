// Copyright 2025 Certen Protocol
//
// Chunker — splits an oversize delta into DELTAS_CHUNK packets on the send
// side, and reassembles them on the receive side with a timeout for
// stalled buffers (spec.md §4.6).

package sync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/certen/deltafabric/pkg/entity"
)

// envelopeOverheadBytes approximates the non-payload bytes added by framing
// a chunk (packet type, node id, indices), per spec.md §6.
const envelopeOverheadBytes = 50

// Split serializes d and, if it fits within maxPacketBytes, returns nil
// (the caller should send it whole in a DELTAS packet). Otherwise it
// returns the ordered DELTAS_CHUNK bodies needed to carry it.
func Split(d entity.Delta, maxPacketBytes int) ([]DeltasChunkBody, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("sync: marshal delta for chunking: %w", err)
	}

	budget := maxPacketBytes - envelopeOverheadBytes
	if budget <= 0 {
		return nil, fmt.Errorf("sync: max_packet_bytes %d leaves no room for a chunk payload", maxPacketBytes)
	}
	if len(raw) <= budget {
		return nil, nil
	}

	total := (len(raw) + budget - 1) / budget
	chunks := make([]DeltasChunkBody, 0, total)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, DeltasChunkBody{
			DeltaID:    d.DeltaID,
			ChunkIndex: i,
			ChunkTotal: total,
			Payload:    raw[start:end],
		})
	}
	return chunks, nil
}

// pendingBuffer accumulates chunks for one delta_id until the full set
// arrives or it times out.
type pendingBuffer struct {
	total     int
	chunks    map[int][]byte
	firstSeen time.Time
}

// ReassemblyBuffer buffers incoming DELTAS_CHUNK packets keyed by delta_id,
// reassembling a delta once every chunk has arrived. Buffers that never
// complete within the configured timeout are dropped silently, matching
// spec.md §4.6's "partial buffers time out silently".
type ReassemblyBuffer struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[entity.ID]*pendingBuffer
}

// NewReassemblyBuffer creates a buffer that abandons an incomplete delta
// after timeout has elapsed since its first chunk arrived.
func NewReassemblyBuffer(timeout time.Duration) *ReassemblyBuffer {
	return &ReassemblyBuffer{
		timeout: timeout,
		pending: make(map[entity.ID]*pendingBuffer),
	}
}

// Accept ingests one chunk. It returns the fully reassembled delta and
// true once the last chunk for its delta_id arrives; otherwise it returns
// (zero, false). Chunks belonging to a buffer that has already timed out
// start a fresh buffer.
func (b *ReassemblyBuffer) Accept(chunk DeltasChunkBody, now time.Time) (entity.Delta, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictExpiredLocked(now)

	buf, ok := b.pending[chunk.DeltaID]
	if !ok {
		buf = &pendingBuffer{
			total:     chunk.ChunkTotal,
			chunks:    make(map[int][]byte, chunk.ChunkTotal),
			firstSeen: now,
		}
		b.pending[chunk.DeltaID] = buf
	}
	buf.chunks[chunk.ChunkIndex] = chunk.Payload

	if len(buf.chunks) < buf.total {
		return entity.Delta{}, false, nil
	}

	raw := make([]byte, 0)
	for i := 0; i < buf.total; i++ {
		part, ok := buf.chunks[i]
		if !ok {
			return entity.Delta{}, false, nil
		}
		raw = append(raw, part...)
	}
	delete(b.pending, chunk.DeltaID)

	var d entity.Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return entity.Delta{}, false, fmt.Errorf("sync: reassembled delta %s failed to decode: %w", chunk.DeltaID, err)
	}
	return d, true, nil
}

// evictExpiredLocked drops buffers older than the configured timeout.
// Caller must hold b.mu.
func (b *ReassemblyBuffer) evictExpiredLocked(now time.Time) {
	for id, buf := range b.pending {
		if now.Sub(buf.firstSeen) > b.timeout {
			delete(b.pending, id)
		}
	}
}

// Pending reports how many delta_ids currently have an incomplete buffer.
func (b *ReassemblyBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
