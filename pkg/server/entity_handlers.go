// Copyright 2025 Certen Protocol
//
// Entity Query API Handlers
// Provides HTTP endpoints for entity creation, extension, and lookup.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/orchestrator"
	"github.com/certen/deltafabric/pkg/patch"
)

// EntityHandlers provides HTTP handlers for the entity/patch surface.
type EntityHandlers struct {
	orch *orchestrator.Orchestrator
}

// NewEntityHandlers creates new entity query handlers.
func NewEntityHandlers(orch *orchestrator.Orchestrator) *EntityHandlers {
	return &EntityHandlers{orch: orch}
}

type createEntityRequest struct {
	Kind    entity.Kind            `json:"kind"`
	Initial map[string]interface{} `json:"initial"`
	Author  entity.Author          `json:"author"`
}

// HandleCreateEntity handles POST /api/entities.
func (h *EntityHandlers) HandleCreateEntity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Kind.IsValid() {
		writeJSONError(w, fmt.Sprintf("invalid kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	e, err := h.orch.CreateEntity(req.Kind, req.Initial, req.Author)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(e)
}

type extendEntityRequest struct {
	Ops    patch.Patch   `json:"ops"`
	Author entity.Author `json:"author"`
}

// HandleEntityResource handles every method under /api/entities/{id}[/deltas],
// dispatching by method and path suffix the way pkg/server's other handlers
// dispatch a shared prefix route.
func (h *EntityHandlers) HandleEntityResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	path := strings.TrimPrefix(r.URL.Path, "/api/entities/")
	if path == "" || path == r.URL.Path {
		writeJSONError(w, "entity id required", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(path, "/deltas") {
		idStr := strings.TrimSuffix(path, "/deltas")
		id, err := entity.ParseID(idStr)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("invalid entity id %q", idStr), http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPost:
			h.extendEntity(w, r, id)
		case http.MethodGet:
			h.getDeltas(w, id)
		default:
			writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id, err := entity.ParseID(path)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid entity id %q", path), http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.getEntity(w, id)
}

func (h *EntityHandlers) extendEntity(w http.ResponseWriter, r *http.Request, id entity.ID) {
	var req extendEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	e, err := h.orch.ExtendEntity(id, req.Ops, req.Author)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(e)
}

func (h *EntityHandlers) getEntity(w http.ResponseWriter, id entity.ID) {
	e, err := h.orch.GetEntity(id)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(e)
}

func (h *EntityHandlers) getDeltas(w http.ResponseWriter, id entity.ID) {
	deltas, err := h.orch.GetDeltas(id)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"deltas": deltas})
}
