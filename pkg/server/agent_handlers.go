// Copyright 2025 Certen Protocol
//
// Device Agent API Handlers
// Provides HTTP endpoints for manually driving the device agent's tick and
// expiry sweep outside of the orchestrator's own ticker loop (useful for
// tests and for deployments that prefer externally scheduled cron ticks).

package server

import (
	"encoding/json"
	"net/http"

	"github.com/certen/deltafabric/pkg/orchestrator"
)

// AgentHandlers provides HTTP handlers for the device agent surface.
type AgentHandlers struct {
	orch *orchestrator.Orchestrator
}

// NewAgentHandlers creates new device agent handlers.
func NewAgentHandlers(orch *orchestrator.Orchestrator) *AgentHandlers {
	return &AgentHandlers{orch: orch}
}

// HandleTick handles POST /api/agent/tick.
func (h *AgentHandlers) HandleTick(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.orch.TickDeviceAgent(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}

// HandleSweep handles POST /api/agent/sweep.
func (h *AgentHandlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.orch.SweepExpiredIntents()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}
