// Copyright 2025 Certen Protocol
//
// Actuation Intent API Handlers
// Provides HTTP endpoints for requesting, confirming, and cancelling
// actuation intents (spec.md §4.10).

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/orchestrator"
)

// ActuationHandlers provides HTTP handlers for the actuation intent surface.
type ActuationHandlers struct {
	orch *orchestrator.Orchestrator
}

// NewActuationHandlers creates new actuation intent handlers.
func NewActuationHandlers(orch *orchestrator.Orchestrator) *ActuationHandlers {
	return &ActuationHandlers{orch: orch}
}

type requestIntentRequest struct {
	ActuatorID       entity.ID         `json:"actuator_id"`
	Request          actuation.Request `json:"request"`
	RequestedByNode  string            `json:"requested_by_node"`
	RequestedByActor string            `json:"requested_by_actor"`
	RequiresConfirm  bool              `json:"requires_confirm"`
	TTLMillis        int64             `json:"ttl_ms,omitempty"`
}

// HandleRequestIntent handles POST /api/intents.
func (h *ActuationHandlers) HandleRequestIntent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req requestIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if req.TTLMillis > 0 {
		ttl = time.Duration(req.TTLMillis) * time.Millisecond
	}

	id, err := h.orch.RequestIntent(req.ActuatorID, req.Request, req.RequestedByNode, req.RequestedByActor, req.RequiresConfirm, ttl)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"intent_id": id.String()})
}

// HandleIntentResource handles POST /api/intents/{id}/confirm and
// POST /api/intents/{id}/cancel, dispatching by path suffix.
func (h *ActuationHandlers) HandleIntentResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/intents/")
	var idStr, action string
	switch {
	case strings.HasSuffix(path, "/confirm"):
		idStr, action = strings.TrimSuffix(path, "/confirm"), "confirm"
	case strings.HasSuffix(path, "/cancel"):
		idStr, action = strings.TrimSuffix(path, "/cancel"), "cancel"
	default:
		writeJSONError(w, "unknown intent action", http.StatusNotFound)
		return
	}

	id, err := entity.ParseID(idStr)
	if err != nil {
		writeJSONError(w, "invalid intent id", http.StatusBadRequest)
		return
	}

	if action == "confirm" {
		err = h.orch.ConfirmIntent(id)
	} else {
		err = h.orch.CancelIntent(id)
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"intent_id": id.String(), "status": action + "ed"})
}
