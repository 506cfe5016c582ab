package maintenance

import (
	"context"
	"time"

	"github.com/gaianet/gaia-hub/internal/metrics"
)

// Reconcile closes drift between the two stores: every online membership in
// the state store must appear in the router store with the same logical
// weight, and nothing else may. One cycle restores the invariant from any
// starting pair of snapshots.
func (m *Maintenance) Reconcile(ctx context.Context, now time.Time) {
	start := m.cfg.Clock.Now()

	domains, err := m.cfg.Store.DistinctDomains(ctx)
	if err != nil {
		m.log.Error("maintenance: failed to list domains", "error", err)
		return
	}

	for _, domain := range domains {
		ssNodes, err := m.cfg.Store.OnlineNodesByDomain(ctx, domain)
		if err != nil {
			m.log.Error("maintenance: failed to read db membership", "domain", domain, "error", err)
			continue
		}
		rsNodes, err := m.cfg.Router.List(ctx, domain)
		if err != nil {
			m.log.Error("maintenance: failed to read router membership", "domain", domain, "error", err)
			continue
		}

		rsWeights := make(map[string]int64, len(rsNodes))
		for _, nw := range rsNodes {
			rsWeights[nw.NodeID] = nw.Weight
		}
		ssWeights := make(map[string]int64, len(ssNodes))
		for _, nw := range ssNodes {
			ssWeights[nw.NodeID] = nw.Weight
		}

		for _, nw := range ssNodes {
			rsWeight, present := rsWeights[nw.NodeID]
			if present && rsWeight == nw.Weight {
				continue
			}
			if !present {
				m.log.Error("maintenance: node missing in router store", "domain", domain, "node_id", nw.NodeID, "weight", nw.Weight)
				if err := m.cfg.Router.Join(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					m.log.Error("maintenance: failed to join node", "domain", domain, "node_id", nw.NodeID, "error", err)
					continue
				}
			} else {
				m.log.Error("maintenance: node weight drifted in router store", "domain", domain, "node_id", nw.NodeID, "weight", nw.Weight, "router_weight", rsWeight)
				if err := m.cfg.Router.Upjoin(ctx, domain, nw.NodeID, nw.Weight); err != nil {
					m.log.Error("maintenance: failed to upjoin node", "domain", domain, "node_id", nw.NodeID, "error", err)
					continue
				}
			}
			metrics.ReconcileRepairsTotal.WithLabelValues("join").Inc()
		}

		for _, nw := range rsNodes {
			if _, ok := ssWeights[nw.NodeID]; ok {
				continue
			}
			m.log.Error("maintenance: node missing in db", "domain", domain, "node_id", nw.NodeID, "weight", nw.Weight)
			if err := m.cfg.Router.Leave(ctx, domain, nw.NodeID, nw.Weight); err != nil {
				m.log.Error("maintenance: failed to remove node", "domain", domain, "node_id", nw.NodeID, "error", err)
				continue
			}
			metrics.ReconcileRepairsTotal.WithLabelValues("leave").Inc()
		}
	}

	m.log.Info("maintenance: reconcile done", "domains", len(domains), "took", m.cfg.Clock.Since(start))
}
