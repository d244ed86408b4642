// Copyright 2025 Certen Protocol
//
// Sync Session wire types — the packet envelope and bodies exchanged between
// two peers reconciling their delta stores (spec.md §4.5, §6).

package sync

import (
	"encoding/json"
	"fmt"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/hashkit"
)

// PacketType is the closed set of packet kinds carried over a sync session.
type PacketType string

const (
	PacketHello       PacketType = "HELLO"
	PacketHeads       PacketType = "HEADS"
	PacketWant        PacketType = "WANT"
	PacketDeltas      PacketType = "DELTAS"
	PacketDeltasChunk PacketType = "DELTAS_CHUNK"
	PacketAck         PacketType = "ACK"
	PacketReject      PacketType = "REJECT"
)

// RejectReason is the closed set of reasons a REJECT packet may carry.
type RejectReason string

const (
	ReasonHashChainBroken RejectReason = "HASH_CHAIN_BROKEN"
	ReasonSchemaInvalid   RejectReason = "SCHEMA_INVALID"
	ReasonUnauthorized    RejectReason = "UNAUTHORIZED"
	ReasonEntityUnknown   RejectReason = "ENTITY_UNKNOWN"
	ReasonSignatureInvalid RejectReason = "SIGNATURE_INVALID"
)

// Capabilities advertised by a node in HELLO (spec.md, Sync Node).
type Capabilities struct {
	MaxPacketBytes   int    `json:"max_packet_bytes"`
	SupportsChunking bool   `json:"supports_chunking"`
	SupportsSigning  bool   `json:"supports_signing"`
	ProtocolVersion  string `json:"protocol_version"`
}

// EntityHead summarizes one entity's chain tip for the HEADS exchange.
type EntityHead struct {
	EntityID     entity.ID    `json:"entity_id"`
	Kind         entity.Kind  `json:"kind"`
	CurrentHash  hashkit.Hash `json:"current_hash"`
	CurrentVersion uint64     `json:"current_version"`
}

// WantEntry requests every delta for EntityID strictly after SinceHash.
// SinceHash is the genesis hash to request the whole chain.
type WantEntry struct {
	EntityID  entity.ID    `json:"entity_id"`
	SinceHash hashkit.Hash `json:"since_hash"`
}

// Packet is the envelope carried by every sync message. Body holds the
// type-specific payload; callers type-assert into the concrete body type
// matching Type.
type Packet struct {
	Type      PacketType  `json:"type"`
	NodeID    string      `json:"node_id"`
	Signature []byte      `json:"sig,omitempty"`
	Body      interface{} `json:"body"`
}

// HelloBody is the body of a HELLO packet.
type HelloBody struct {
	ProtocolVersion string       `json:"protocol_version"`
	Caps            Capabilities `json:"caps"`
	Nonce           string       `json:"nonce"`
}

// HeadsBody is the body of a HEADS packet.
type HeadsBody struct {
	Heads []EntityHead `json:"heads"`
}

// WantBody is the body of a WANT packet.
type WantBody struct {
	Entries []WantEntry `json:"entries"`
}

// DeltasBody is the body of a DELTAS packet.
type DeltasBody struct {
	Deltas []entity.Delta `json:"deltas"`
}

// DeltasChunkBody is the body of one DELTAS_CHUNK packet, carrying a slice
// of a single delta's serialized form too large to fit in one packet.
type DeltasChunkBody struct {
	DeltaID    entity.ID `json:"delta_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkTotal int       `json:"chunk_total"`
	Payload    []byte    `json:"payload"`
}

// AckBody is the body of an ACK packet.
type AckBody struct {
	DeltaIDs []entity.ID `json:"delta_ids"`
}

// RejectBody is the body of a REJECT packet.
type RejectBody struct {
	Reason  RejectReason `json:"reason"`
	Details string       `json:"details,omitempty"`
}

// wireEnvelope mirrors Packet but keeps Body as raw JSON, so a packet read
// off the wire can have its body re-hydrated into the concrete type Type
// names before it reaches session/orchestrator code that type-asserts it.
type wireEnvelope struct {
	Type      PacketType      `json:"type"`
	NodeID    string          `json:"node_id"`
	Signature []byte          `json:"sig,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// DecodePacket parses a JSON-encoded Packet, decoding Body into the
// concrete struct matching Type so callers can type-assert it directly
// (e.g. p.Body.(HelloBody)), the way an in-process Packet literal would be
// built.
func DecodePacket(raw []byte) (Packet, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Packet{}, fmt.Errorf("sync: decode packet envelope: %w", err)
	}

	var body interface{}
	switch env.Type {
	case PacketHello:
		var b HelloBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode HELLO body: %w", err)
		}
		body = b
	case PacketHeads:
		var b HeadsBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode HEADS body: %w", err)
		}
		body = b
	case PacketWant:
		var b WantBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode WANT body: %w", err)
		}
		body = b
	case PacketDeltas:
		var b DeltasBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode DELTAS body: %w", err)
		}
		body = b
	case PacketDeltasChunk:
		var b DeltasChunkBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode DELTAS_CHUNK body: %w", err)
		}
		body = b
	case PacketAck:
		var b AckBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode ACK body: %w", err)
		}
		body = b
	case PacketReject:
		var b RejectBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return Packet{}, fmt.Errorf("sync: decode REJECT body: %w", err)
		}
		body = b
	default:
		return Packet{}, fmt.Errorf("sync: unknown packet type %q", env.Type)
	}

	return Packet{Type: env.Type, NodeID: env.NodeID, Signature: env.Signature, Body: body}, nil
}
