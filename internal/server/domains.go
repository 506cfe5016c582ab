package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gaianet/gaia-hub/internal/store"
)

var domainNameRE = regexp.MustCompile(`^[\w-]+$`)

type nodeWeightEntry struct {
	NodeID string `json:"node_id"`
	Weight int64  `json:"weight"`
}

type domainNodesRequest struct {
	Domain       string            `json:"domain"`
	NodesWeights []nodeWeightEntry `json:"nodes_weights"`
}

// Per-entry result codes for the create API.
const (
	codeCreated      = "created"
	codeNodeNotExist = "node_not_exist"
	codeNodeOffline  = "node_offline"
)

type createResult struct {
	Domain string `json:"domain"`
	NodeID string `json:"node_id"`
	Code   string `json:"code"`
}

// handleCreateDomainNodes adds nodes to domains or updates their weights.
// Entries with an invalid domain name are skipped per entry, not per batch.
func (s *Server) handleCreateDomainNodes(w http.ResponseWriter, r *http.Request) {
	var reqs []domainNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	results := []createResult{}

	for _, req := range reqs {
		if !domainNameRE.MatchString(req.Domain) {
			continue
		}
		domain := strings.ToLower(req.Domain)

		for _, nw := range req.NodesWeights {
			res := createResult{Domain: domain, NodeID: nw.NodeID, Code: codeCreated}

			existing, err := s.cfg.Store.GetDomainNode(ctx, domain, nw.NodeID)
			if err != nil {
				s.log.Error("domains: failed to query membership", "domain", domain, "node_id", nw.NodeID, "error", err)
				http.Error(w, "failed to query domain node", http.StatusInternalServerError)
				return
			}

			switch {
			case existing != nil && existing.Weight == nw.Weight:
				// Unchanged.
			case existing != nil:
				if err := s.cfg.Store.UpsertDomainNode(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					s.log.Error("domains: failed to update weight", "domain", domain, "node_id", nw.NodeID, "error", err)
					http.Error(w, "failed to update domain node", http.StatusInternalServerError)
					return
				}
				if err := s.cfg.Router.Upjoin(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					s.log.Error("domains: failed to upjoin", "domain", domain, "node_id", nw.NodeID, "error", err)
				}
			default:
				node, err := s.cfg.Store.GetNodeByID(ctx, nw.NodeID)
				if err != nil {
					s.log.Error("domains: failed to query node", "node_id", nw.NodeID, "error", err)
					http.Error(w, "failed to query node", http.StatusInternalServerError)
					return
				}
				// Only online nodes can join a domain.
				if node == nil {
					res.Code = codeNodeNotExist
					break
				}
				if node.Status != store.StatusOnline {
					res.Code = codeNodeOffline
					break
				}
				if err := s.cfg.Store.UpsertDomainNode(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					s.log.Error("domains: failed to insert membership", "domain", domain, "node_id", nw.NodeID, "error", err)
					http.Error(w, "failed to insert domain node", http.StatusInternalServerError)
					return
				}
				if err := s.cfg.Router.Join(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					s.log.Error("domains: failed to join", "domain", domain, "node_id", nw.NodeID, "error", err)
				}
			}

			results = append(results, res)
		}
	}

	s.writeJSON(w, http.StatusOK, results)
}

// handleRemoveDomainNodes removes nodes from domains. The weight mirrored
// into the router store is the one of the row just deleted.
func (s *Server) handleRemoveDomainNodes(w http.ResponseWriter, r *http.Request) {
	var reqs []domainNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, req := range reqs {
		if !domainNameRE.MatchString(req.Domain) {
			continue
		}
		domain := strings.ToLower(req.Domain)

		for _, nw := range req.NodesWeights {
			weight, found, err := s.cfg.Store.DeleteDomainNode(ctx, domain, nw.NodeID)
			if err != nil {
				s.log.Error("domains: failed to delete membership", "domain", domain, "node_id", nw.NodeID, "error", err)
				http.Error(w, "failed to delete domain node", http.StatusInternalServerError)
				return
			}
			if !found {
				continue
			}
			if err := s.cfg.Router.Leave(ctx, domain, nw.NodeID, weight); err != nil {
				s.log.Error("domains: failed to leave", "domain", domain, "node_id", nw.NodeID, "error", err)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Domain node deleted"))
}

// handleListDomainNodes returns every membership row of the domain,
// including nodes whose live status is offline.
func (s *Server) handleListDomainNodes(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}
	domain = strings.ToLower(domain)

	nodes, err := s.cfg.Store.ListDomainNodes(r.Context(), domain)
	if err != nil {
		s.log.Error("domains: failed to list", "domain", domain, "error", err)
		http.Error(w, "failed to list domain nodes", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []store.DomainNode{}
	}
	s.writeOK(w, nodes)
}
