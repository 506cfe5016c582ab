package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/store"
)

type nodeInfoRequest struct {
	NodeVersion string `json:"node_version"`
	ChatModel   struct {
		Name string `json:"name"`
	} `json:"chat_model"`
	EmbeddingModel struct {
		Name string `json:"name"`
	} `json:"embedding_model"`
}

// handleNodeInfo records a node's self-reported version and model names.
func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	var req nodeInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ChatModel.Name == "" {
		http.Error(w, "Missing chat_model in node info", http.StatusBadRequest)
		return
	}
	if req.EmbeddingModel.Name == "" {
		http.Error(w, "Missing embedding_model in node info", http.StatusBadRequest)
		return
	}

	n, err := s.cfg.Store.UpdateNodeInfo(r.Context(), nodeID, req.NodeVersion, req.ChatModel.Name, req.EmbeddingModel.Name)
	if err != nil {
		s.log.Error("nodeapi: failed to update node info", "node_id", nodeID, "error", err)
		http.Error(w, "failed to update node info", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}

	s.log.Info("nodeapi: updated node info", "node_id", nodeID,
		"node_version", req.NodeVersion, "chat_model", req.ChatModel.Name,
		"embedding_model", req.EmbeddingModel.Name)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type nodeHealthRequest struct {
	Health *bool `json:"health"`
}

// handleNodeHealth applies a node's health report. A healthy report reopens
// an unavail node only while the tunnel is still actively pinging, otherwise
// the expiry sweep owns the transition.
func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")

	var req nodeHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Health == nil {
		http.Error(w, "No health attribute", http.StatusBadRequest)
		return
	}

	node, err := s.cfg.Store.GetNodeByID(r.Context(), nodeID)
	if err != nil {
		s.log.Error("nodeapi: failed to query node", "node_id", nodeID, "error", err)
		http.Error(w, "failed to query node", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}

	now := s.cfg.Clock.Now().UTC()
	switch {
	case *req.Health && node.Status == store.StatusOnline:
		err = s.cfg.Store.UpdateNodeAvail(r.Context(), nodeID, now, store.StatusOnline)
	case *req.Health && node.Status == store.StatusUnavail:
		if node.LastActiveTime.After(now.Add(-config.NodeLivingTTL)) {
			err = s.cfg.Store.UpdateNodeAvail(r.Context(), nodeID, now, store.StatusOnline)
		}
	case !*req.Health && node.Status == store.StatusOnline:
		// Status only: an unhealthy report must not refresh last_avail_time.
		err = s.cfg.Store.MarkNodeUnavail(r.Context(), nodeID)
	}
	if err != nil {
		s.log.Error("nodeapi: failed to update node health", "node_id", nodeID, "error", err)
		http.Error(w, "failed to update node health", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
