package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/metrics"
	"github.com/gaianet/gaia-hub/internal/store"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
}

// CheckNodesHealth walks the living nodes in login_time order and probes
// each one with a canned streaming chat completion, fanning out up to
// ProbeConcurrency requests per page.
func (m *Maintenance) CheckNodesHealth(ctx context.Context, now time.Time) {
	sem := semaphore.NewWeighted(config.ProbeConcurrency)
	cursor := time.Unix(0, 0).UTC()

	for {
		nodes, err := m.cfg.Store.QueryLivingPaged(ctx, config.ProbeMinLivedSecs, config.ProbePageSize, cursor)
		if err != nil {
			m.log.Error("maintenance: failed to page living nodes", "error", err)
			return
		}
		if len(nodes) == 0 {
			break
		}

		// Next page starts after this page's newest login.
		cursor = nodes[len(nodes)-1].LoginTime

		for _, node := range nodes {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(node store.LivingNode) {
				defer sem.Release(1)
				m.probeNode(ctx, node)
			}(node)
		}

		if len(nodes) < config.ProbePageSize {
			break
		}
	}

	// Wait for in-flight probes before releasing the cycle.
	if err := sem.Acquire(ctx, config.ProbeConcurrency); err != nil {
		return
	}
	sem.Release(config.ProbeConcurrency)
}

// probeNode marks the node unavail only when the probe completes with a
// non-2xx status. Network errors and timeouts count as healthy: a slow or
// unreachable node is the prober's problem as often as the node's, and a
// wrong unavail is worse than a late one.
func (m *Maintenance) probeNode(ctx context.Context, node store.LivingNode) {
	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
		Model:  node.ChatModel,
		Stream: true,
	})
	if err != nil {
		m.log.Error("maintenance: failed to build probe payload", "node_id", node.NodeID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ProbeURL(node.Subdomain), bytes.NewReader(body))
	if err != nil {
		m.log.Error("maintenance: failed to build probe request", "node_id", node.NodeID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.cfg.ProbeClient.Do(req)
	if err != nil {
		metrics.ProbeResultsTotal.WithLabelValues("error").Inc()
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.ProbeResultsTotal.WithLabelValues("healthy").Inc()
		return
	}

	metrics.ProbeResultsTotal.WithLabelValues("unhealthy").Inc()
	m.log.Info("maintenance: node unhealthy, marking unavail", "node_id", node.NodeID, "status", resp.StatusCode)
	if err := m.cfg.Store.MarkNodeUnavail(ctx, node.NodeID); err != nil {
		m.log.Error("maintenance: failed to mark node unavail", "node_id", node.NodeID, "error", err)
	}
}
