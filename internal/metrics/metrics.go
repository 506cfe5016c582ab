// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TunnelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaia_hub_tunnel_events_total",
			Help: "Total number of tunnel server events received, by op",
		},
		[]string{"op"},
	)

	TunnelEventErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaia_hub_tunnel_event_errors_total",
			Help: "Total number of tunnel server events whose side effects failed",
		},
		[]string{"op"},
	)

	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaia_hub_probe_results_total",
			Help: "Health probe outcomes, by result (healthy, unhealthy, error)",
		},
		[]string{"result"},
	)

	SweepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaia_hub_sweep_transitions_total",
			Help: "Node status transitions applied by the expiry sweep, by target status",
		},
		[]string{"status"},
	)

	ReconcileRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaia_hub_reconcile_repairs_total",
			Help: "Membership repairs applied by the cross-store reconciler, by action (join, leave)",
		},
		[]string{"action"},
	)

	RouterTxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gaia_hub_router_tx_retries_total",
			Help: "Optimistic transaction retries against the router store",
		},
	)
)
