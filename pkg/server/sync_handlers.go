// Copyright 2025 Certen Protocol
//
// Sync Session API Handlers
// Provides HTTP endpoints for opening a per-peer sync session and feeding
// it packets, mirroring the HELLO/HEADS/WANT/DELTAS/ACK state machine of
// pkg/sync/session.go.

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/certen/deltafabric/pkg/orchestrator"
	"github.com/certen/deltafabric/pkg/sync"
)

// SyncHandlers provides HTTP handlers for the sync session surface.
type SyncHandlers struct {
	orch *orchestrator.Orchestrator
}

// NewSyncHandlers creates new sync session handlers.
func NewSyncHandlers(orch *orchestrator.Orchestrator) *SyncHandlers {
	return &SyncHandlers{orch: orch}
}

// HandleSessionResource handles both POST /api/sync/sessions/{peer} (open a
// session) and POST /api/sync/sessions/{peer}/packets (feed it one packet),
// dispatching by path suffix the way pkg/server's other handlers share a
// single registered prefix across several sub-routes.
func (h *SyncHandlers) HandleSessionResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sync/sessions/")
	if path == "" || path == r.URL.Path {
		writeJSONError(w, "peer node id required", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(path, "/packets") {
		peer := strings.TrimSuffix(path, "/packets")
		if peer == "" {
			writeJSONError(w, "peer node id required", http.StatusBadRequest)
			return
		}
		h.handlePacket(w, r, peer)
		return
	}

	h.orch.OpenSession(path)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"peer_node_id": path, "status": "open"})
}

func (h *SyncHandlers) handlePacket(w http.ResponseWriter, r *http.Request, peer string) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	pkt, err := sync.DecodePacket(raw)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.orch.HandlePacket(peer, pkt)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(resp)
}
