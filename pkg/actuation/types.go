// Copyright 2025 Certen Protocol
//
// Actuation entity types — Actuator, ActuatorState, ActuationIntent,
// ActuationReceipt (spec.md, Actuation Entities).

package actuation

import (
	"github.com/certen/deltafabric/pkg/entity"
)

// ActuatorKind is the closed set of actuator kinds.
type ActuatorKind string

const (
	ActuatorRelay           ActuatorKind = "RELAY"
	ActuatorDimmer          ActuatorKind = "DIMMER"
	ActuatorSoftwareToggle  ActuatorKind = "SOFTWARE_TOGGLE"
)

// Actuator describes one controllable device or software switch.
type Actuator struct {
	ID           entity.ID    `json:"id"`
	Name         string       `json:"name"`
	Kind         ActuatorKind `json:"kind"`
	OwnerNodeID  string       `json:"owner_node_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities bounds the legal values an actuator accepts.
type Capabilities struct {
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Step          *float64 `json:"step,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// State is the closed set of observed actuator states.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateOff     State = "OFF"
	StateOn      State = "ON"
	StateMoving  State = "MOVING"
	StateError   State = "ERROR"
)

// ActuatorState is the latest observed state of one actuator.
type ActuatorState struct {
	ActuatorID         entity.ID  `json:"actuator_id"`
	State              State      `json:"state"`
	Value              *float64   `json:"value,omitempty"`
	LastAppliedIntentID *entity.ID `json:"last_applied_intent_id,omitempty"`
	UpdatedAt          entity.Timestamp `json:"updated_at"`
}

// Action is the closed set of requested actuation actions.
type Action string

const (
	ActionSetOn    Action = "SET_ON"
	ActionSetOff   Action = "SET_OFF"
	ActionSetValue Action = "SET_VALUE"
)

// IntentStatus is the closed set of states in the intent state machine
// (spec.md §4.10).
type IntentStatus string

const (
	IntentNew        IntentStatus = "NEW"
	IntentAuthorized IntentStatus = "AUTHORIZED"
	IntentDispatched IntentStatus = "DISPATCHED"
	IntentApplied    IntentStatus = "APPLIED"
	IntentDenied     IntentStatus = "DENIED"
	IntentExpired    IntentStatus = "EXPIRED"
	IntentFailed     IntentStatus = "FAILED"
)

// IsTerminal reports whether status ends the intent's lifecycle.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentApplied, IntentDenied, IntentExpired, IntentFailed:
		return true
	}
	return false
}

// Request is the requested change carried by an intent.
type Request struct {
	Action Action   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
}

// Policy carries per-intent confirmation and lifetime settings.
type Policy struct {
	RequiresHumanConfirm bool  `json:"requires_human_confirm"`
	TTLMillis            int64 `json:"ttl_ms"`
}

// ActuationIntent is a request to change one actuator's state.
type ActuationIntent struct {
	ID              entity.ID        `json:"id"`
	ActuatorID      entity.ID        `json:"actuator_id"`
	RequestedByNode string           `json:"requested_by_node"`
	RequestedByActor string          `json:"requested_by_actor"`
	Request         Request          `json:"request"`
	Policy          Policy           `json:"policy"`
	Status          IntentStatus     `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       entity.Timestamp `json:"created_at"`
	ExpiresAt       entity.Timestamp `json:"expires_at"`
}

// Outcome is the closed set of actuation receipt outcomes.
type Outcome string

const (
	OutcomeApplied Outcome = "APPLIED"
	OutcomeFailed  Outcome = "FAILED"
)

// ActuationReceipt is the terminal record of one intent's execution.
type ActuationReceipt struct {
	ID            entity.ID        `json:"id"`
	IntentID      entity.ID        `json:"intent_id"`
	ActuatorID    entity.ID        `json:"actuator_id"`
	OwnerNodeID   string           `json:"owner_node_id"`
	Outcome       Outcome          `json:"outcome"`
	ObservedState State            `json:"observed_state"`
	CreatedAt     entity.Timestamp `json:"created_at"`
}
