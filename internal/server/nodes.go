package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gaianet/gaia-hub/internal/store"
)

// handleQueryNodes lists nodes filtered by the accepted query parameters.
// The location parameter is validated for shape but not applied as a filter;
// the query layer has no location columns.
func (s *Server) handleQueryNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if location := q.Get("location"); location != "" {
		if len(strings.Split(location, ",")) < 3 {
			s.writeJSON(w, http.StatusBadRequest, envelope{Code: 400, Msg: "Invalid location parameter"})
			return
		}
	}

	filter := store.NodeFilter{
		Status:    q.Get("status"),
		DeviceID:  q.Get("device_id"),
		ChatModel: q.Get("chat_model"),
	}
	if ids := q.Get("ids"); ids != "" {
		filter.IDs = strings.Split(ids, ",")
	}
	if lived := q.Get("lived_secs"); lived != "" {
		if v, err := strconv.ParseInt(lived, 10, 64); err == nil && v > 0 {
			filter.LivedSecs = v
		}
	}

	nodes, err := s.cfg.Store.QueryNodes(r.Context(), filter)
	if err != nil {
		s.log.Error("nodes: query failed", "error", err)
		http.Error(w, "failed to query nodes", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []store.NodeSummary{}
	}
	s.writeOK(w, nodes)
}

type livingNode struct {
	NodeID    string `json:"node_id"`
	Subdomain string `json:"subdomain"`
}

// handleLivingNodes is the offset-paginated living-node listing.
func (s *Server) handleLivingNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := int64(0)
	if v, err := strconv.ParseInt(q.Get("page"), 10, 64); err == nil && v > 0 {
		page = v
	}
	size := int64(10)
	if v, err := strconv.ParseInt(q.Get("size"), 10, 64); err == nil && v > 0 {
		size = v
	}
	livedSecs := int64(0)
	if v, err := strconv.ParseInt(q.Get("lived_secs"), 10, 64); err == nil && v > 0 {
		livedSecs = v
	}

	nodes, err := s.cfg.Store.QueryLivingNodes(r.Context(), livedSecs, page, size)
	if err != nil {
		s.log.Error("nodes: living query failed", "error", err)
		http.Error(w, "failed to query living nodes", http.StatusInternalServerError)
		return
	}

	out := make([]livingNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, livingNode{NodeID: n.NodeID, Subdomain: n.Subdomain})
	}
	s.writeOK(w, out)
}
