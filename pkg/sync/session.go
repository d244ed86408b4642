// Copyright 2025 Certen Protocol
//
// Sync Session — a per-peer state machine that reconciles two delta stores
// (spec.md §4.5). One session instance tracks exactly one peer.

package sync

import (
	"fmt"
	"log"

	"github.com/certen/deltafabric/pkg/chain"
	"github.com/certen/deltafabric/pkg/conflict"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

// State is the closed set of session states.
type State string

const (
	StateHelloSent      State = "HELLO_SENT"
	StateHelloReceived   State = "HELLO_RECEIVED"
	StateHeadsExchanged  State = "HEADS_EXCHANGED"
	StateSyncing         State = "SYNCING"
	StateComplete        State = "COMPLETE"
	StateError           State = "ERROR"
)

// HeadsDiff partitions a comparison of local and remote heads (spec.md §4.5).
type HeadsDiff struct {
	LocalOnly  []EntityHead
	RemoteOnly []EntityHead
	Diverged   []EntityHead // local head, since remote differs
	Synced     []EntityHead
}

// DiffHeads partitions local against remote heads by entity id and hash.
func DiffHeads(local, remote []EntityHead) HeadsDiff {
	localByID := make(map[entity.ID]EntityHead, len(local))
	for _, h := range local {
		localByID[h.EntityID] = h
	}
	remoteByID := make(map[entity.ID]EntityHead, len(remote))
	for _, h := range remote {
		remoteByID[h.EntityID] = h
	}

	var diff HeadsDiff
	for id, lh := range localByID {
		rh, ok := remoteByID[id]
		if !ok {
			diff.LocalOnly = append(diff.LocalOnly, lh)
			continue
		}
		if rh.CurrentHash != lh.CurrentHash {
			diff.Diverged = append(diff.Diverged, lh)
		} else {
			diff.Synced = append(diff.Synced, lh)
		}
	}
	for id, rh := range remoteByID {
		if _, ok := localByID[id]; !ok {
			diff.RemoteOnly = append(diff.RemoteOnly, rh)
		}
	}
	return diff
}

// BuildWant generates the WANT entries for a heads diff (spec.md §4.5):
// remote-only entities are requested from genesis, diverged entities are
// requested from the local current hash so the peer sends strictly
// forward.
func BuildWant(diff HeadsDiff) WantBody {
	entries := make([]WantEntry, 0, len(diff.RemoteOnly)+len(diff.Diverged))
	for _, h := range diff.RemoteOnly {
		entries = append(entries, WantEntry{EntityID: h.EntityID, SinceHash: hashkit.Genesis})
	}
	for _, h := range diff.Diverged {
		entries = append(entries, WantEntry{EntityID: h.EntityID, SinceHash: h.CurrentHash})
	}
	return WantBody{Entries: entries}
}

// Session is a per-peer sync state machine. It owns no network transport;
// callers feed it inbound packets via HandlePacket and send the returned
// outbound packet (if any) over whatever transport they've wired (this
// repository delivers packets through the HTTP sync handlers and the
// orchestrator's inbound channel).
type Session struct {
	PeerNodeID string
	LocalNodeID string
	Caps        Capabilities
	State       State

	store     entity.Store
	conflicts *conflict.Store
	hasher    hashkit.Hasher
	logger    *log.Logger

	peerCaps Capabilities
	// localHeads holds the heads last computed by handleHello or
	// handleHeads; handleWant reads the store directly and does not use it.
	localHeads []EntityHead
}

// NewSession starts a session in HELLO_SENT on behalf of localNodeID,
// bound to store for persistence and conflicts for fork tracking.
func NewSession(localNodeID, peerNodeID string, caps Capabilities, store entity.Store, conflicts *conflict.Store, hasher hashkit.Hasher, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(log.Writer(), "[SyncSession] ", log.LstdFlags)
	}
	return &Session{
		PeerNodeID:  peerNodeID,
		LocalNodeID: localNodeID,
		Caps:        caps,
		State:       StateHelloSent,
		store:       store,
		conflicts:   conflicts,
		hasher:      hasher,
		logger:      logger,
	}
}

// Hello returns the HELLO packet this session sends to open the exchange.
func (s *Session) Hello(nonce string) Packet {
	return Packet{
		Type:   PacketHello,
		NodeID: s.LocalNodeID,
		Body: HelloBody{
			ProtocolVersion: s.Caps.ProtocolVersion,
			Caps:            s.Caps,
			Nonce:           nonce,
		},
	}
}

// LocalHeads computes the current EntityHead for every entity in the store.
func (s *Session) LocalHeads() ([]EntityHead, error) {
	entities, err := s.store.AllEntities()
	if err != nil {
		return nil, fmt.Errorf("sync: list entities: %w", err)
	}
	heads := make([]EntityHead, 0, len(entities))
	for _, e := range entities {
		heads = append(heads, EntityHead{
			EntityID:       e.ID,
			Kind:           e.Kind,
			CurrentHash:    e.CurrentHash,
			CurrentVersion: e.CurrentVersion,
		})
	}
	return heads, nil
}

// HandlePacket advances the session state machine on an inbound packet,
// returning the outbound packet (if any) the caller should send back.
func (s *Session) HandlePacket(p Packet) (*Packet, error) {
	switch p.Type {
	case PacketHello:
		return s.handleHello(p)
	case PacketHeads:
		return s.handleHeads(p)
	case PacketWant:
		return s.handleWant(p)
	case PacketDeltas:
		return s.handleDeltas(p)
	case PacketAck:
		return s.handleAck(p)
	case PacketReject:
		s.State = StateError
		return nil, nil
	default:
		return rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, fmt.Sprintf("unknown packet type %q", p.Type)), nil
	}
}

func (s *Session) handleHello(p Packet) (*Packet, error) {
	body, ok := p.Body.(HelloBody)
	if !ok {
		return rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, "malformed HELLO body"), nil
	}
	if body.ProtocolVersion != s.Caps.ProtocolVersion {
		s.State = StateError
		return rejectPacket(s.LocalNodeID, ReasonUnauthorized, "protocol_version mismatch"), nil
	}
	s.peerCaps = body.Caps
	s.State = StateHelloReceived

	heads, err := s.LocalHeads()
	if err != nil {
		return nil, err
	}
	s.localHeads = heads
	s.State = StateHeadsExchanged
	return &Packet{Type: PacketHeads, NodeID: s.LocalNodeID, Body: HeadsBody{Heads: heads}}, nil
}

func (s *Session) handleHeads(p Packet) (*Packet, error) {
	body, ok := p.Body.(HeadsBody)
	if !ok {
		return rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, "malformed HEADS body"), nil
	}
	local, err := s.LocalHeads()
	if err != nil {
		return nil, err
	}
	s.localHeads = local
	diff := DiffHeads(local, body.Heads)
	want := BuildWant(diff)
	s.State = StateSyncing
	return &Packet{Type: PacketWant, NodeID: s.LocalNodeID, Body: want}, nil
}

func (s *Session) handleWant(p Packet) (*Packet, error) {
	body, ok := p.Body.(WantBody)
	if !ok {
		return rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, "malformed WANT body"), nil
	}

	var all []entity.Delta
	for _, entry := range body.Entries {
		deltas, err := s.serveWantEntry(entry)
		if err != nil {
			return nil, err
		}
		all = append(all, deltas...)
	}

	items := make([]QueueItem, 0, len(all))
	kindByID := make(map[entity.ID]entity.Kind)
	for _, entry := range body.Entries {
		if e, err := s.store.GetEntity(entry.EntityID); err == nil {
			kindByID[entry.EntityID] = e.Kind
		}
	}
	for _, d := range all {
		items = append(items, QueueItem{Kind: kindByID[d.EntityID], Delta: d})
	}
	ordered := SortForEmission(items)
	deltas := make([]entity.Delta, len(ordered))
	for i, it := range ordered {
		deltas[i] = it.Delta
	}

	return &Packet{Type: PacketDeltas, NodeID: s.LocalNodeID, Body: DeltasBody{Deltas: deltas}}, nil
}

// serveWantEntry answers a single WANT entry (spec.md §4.5 "Serving a
// WANT"). If since_hash is unknown locally, it is a divergence signal: the
// spec directs the requester to open a conflict, not the server, so this
// returns no deltas and no error.
func (s *Session) serveWantEntry(entry WantEntry) ([]entity.Delta, error) {
	return s.store.DeltasSince(entry.EntityID, entry.SinceHash)
}

func (s *Session) handleDeltas(p Packet) (*Packet, error) {
	body, ok := p.Body.(DeltasBody)
	if !ok {
		return rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, "malformed DELTAS body"), nil
	}

	var acked []entity.ID
	for _, d := range body.Deltas {
		accepted, reject, err := s.acceptDelta(d)
		if err != nil {
			return nil, err
		}
		if !accepted {
			return reject, nil
		}
		acked = append(acked, d.DeltaID)
	}

	s.State = StateComplete
	return &Packet{Type: PacketAck, NodeID: s.LocalNodeID, Body: AckBody{DeltaIDs: acked}}, nil
}

// acceptDelta runs the chain-verifier rules against local state for a
// single inbound delta (spec.md §4.5 "Delta acceptance"). It returns
// (true, nil, nil) on acceptance, or (false, rejectPacket, nil) when the
// packet's remaining deltas must not be applied.
func (s *Session) acceptDelta(d entity.Delta) (bool, *Packet, error) {
	existing, err := s.store.Deltas(d.EntityID)
	if err != nil {
		return false, rejectPacket(s.LocalNodeID, ReasonEntityUnknown, d.EntityID.String()), nil
	}

	candidate := append(append([]entity.Delta{}, existing...), d)
	result, err := chain.Verify(d.EntityID, candidate)
	if err != nil {
		return false, rejectPacket(s.LocalNodeID, ReasonHashChainBroken, err.Error()), nil
	}

	if len(result.Forks) > 0 {
		if s.conflicts != nil {
			s.conflicts.Detect(d.EntityID, result.Forks)
		}
		return false, rejectPacket(s.LocalNodeID, ReasonHashChainBroken, "fork detected, registered as conflict"), nil
	}

	state, err := entity.Reconstruct(candidate)
	if err != nil {
		return false, rejectPacket(s.LocalNodeID, ReasonSchemaInvalid, err.Error()), nil
	}
	if err := chain.VerifyStateHash(d, state, s.hasher); err != nil {
		return false, rejectPacket(s.LocalNodeID, ReasonHashChainBroken, err.Error()), nil
	}

	e, err := s.store.GetEntity(d.EntityID)
	if err != nil {
		e = entity.Entity{ID: d.EntityID}
	}
	e.CurrentHash = d.NewHash
	e.CurrentVersion++
	if err := s.store.PutEntity(e); err != nil {
		return false, nil, err
	}
	if err := s.store.AppendDelta(d.EntityID, d); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (s *Session) handleAck(p Packet) (*Packet, error) {
	s.State = StateComplete
	return nil, nil
}

func rejectPacket(nodeID string, reason RejectReason, details string) *Packet {
	return &Packet{
		Type:   PacketReject,
		NodeID: nodeID,
		Body:   RejectBody{Reason: reason, Details: details},
	}
}
