package server

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/gaianet/gaia-hub/internal/hub"
)

var frpsIDRE = regexp.MustCompile(`^frps_\d+$`)

// handleFRPS is the tunnel server webhook. The response always echoes the
// received payload with reject:false and unchange:true, which the tunnel
// server applies as a no-op admission; it is written before side effects
// run, and side-effect failures never fail the reply. Rejecting here would
// make the tunnel server drop client connections, which is worse than the
// eventual inconsistency the reconciler repairs.
func (s *Server) handleFRPS(w http.ResponseWriter, r *http.Request) {
	frpsID := chi.URLParam(r, "frps_id")
	if frpsID != "" && !frpsIDRE.MatchString(frpsID) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	payload["reject"] = false
	payload["unchange"] = true

	s.writeJSON(w, http.StatusOK, payload)

	ev, err := hub.ParseEvent(body)
	if err != nil {
		s.log.Error("frps: failed to parse event", "error", err)
		return
	}
	if err := s.cfg.Processor.HandleEvent(r.Context(), frpsID, ev); err != nil {
		s.log.Error("frps: failed to handle event", "op", ev.Op, "error", err)
	}
}
