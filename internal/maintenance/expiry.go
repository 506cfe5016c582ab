package maintenance

import (
	"context"
	"time"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/metrics"
	"github.com/gaianet/gaia-hub/internal/store"
)

// ExpirySweep expires nodes that have gone silent for longer than the
// living TTL.
func (m *Maintenance) ExpirySweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-config.NodeLivingTTL)

	unavailed, closed, err := m.cfg.Store.SweepExpired(ctx, cutoff)
	if err != nil {
		m.log.Error("maintenance: expiry sweep failed", "error", err)
		return
	}
	metrics.SweepTransitionsTotal.WithLabelValues(store.StatusUnavail).Add(float64(unavailed))
	metrics.SweepTransitionsTotal.WithLabelValues(store.StatusOffline).Add(float64(closed))
	m.log.Info("maintenance: expiry sweep done", "unavailed", unavailed, "closed", closed)
}
