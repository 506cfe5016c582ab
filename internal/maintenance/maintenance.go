// Package maintenance runs the periodic jobs: the expiry sweep, the active
// health probe and the cross-store reconciliation. In cluster mode each job
// run is guarded by a distributed lease in the router store so only one
// replica does the work per period.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/store"
)

// Lease keys for the three jobs.
const (
	expiryLockKey    = "expiry_nodes_lock"
	healthLockKey    = "check_nodes_health_lock"
	reconcileLockKey = "cross_compare_domain_nodes_lock"
)

// StateStore is the slice of the state store the maintenance jobs use.
type StateStore interface {
	SweepExpired(ctx context.Context, cutoff time.Time) (int64, int64, error)
	QueryLivingPaged(ctx context.Context, minLivedSecs int64, pageSize int, afterLoginTime time.Time) ([]store.LivingNode, error)
	MarkNodeUnavail(ctx context.Context, nodeID string) error
	DistinctDomains(ctx context.Context) ([]string, error)
	OnlineNodesByDomain(ctx context.Context, domain string) ([]store.NodeWeight, error)
}

// RouterStore is the slice of the router store the maintenance jobs use.
type RouterStore interface {
	List(ctx context.Context, domain string) ([]store.NodeWeight, error)
	Join(ctx context.Context, domain, nodeID string, weight int64) error
	Upjoin(ctx context.Context, domain, nodeID string, weight int64) error
	Leave(ctx context.Context, domain, nodeID string, weight int64) error
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
}

type Config struct {
	Logger  *slog.Logger
	Store   StateStore
	Router  RouterStore
	Clock   clockwork.Clock
	Cluster bool

	// ProbeClient issues the health-probe requests; its timeout is the
	// probe timeout.
	ProbeClient *http.Client

	// ProbeURL builds the probe endpoint for a subdomain. Overridable in
	// tests.
	ProbeURL func(subdomain string) string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Router == nil {
		return errors.New("router is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ProbeClient == nil {
		cfg.ProbeClient = &http.Client{Timeout: config.ProbeTimeout}
	}
	if cfg.ProbeURL == nil {
		cfg.ProbeURL = func(subdomain string) string {
			return "https://" + subdomain + "/v1/chat/completions"
		}
	}
	return nil
}

type Maintenance struct {
	log    *slog.Logger
	cfg    Config
	holder string
}

func New(cfg Config) (*Maintenance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Maintenance{
		log:    cfg.Logger,
		cfg:    cfg,
		holder: uuid.NewString(),
	}, nil
}

// Start launches the three job loops. They stop when the context is
// cancelled; a cancelled cycle leaves any partial state for the next one.
func (m *Maintenance) Start(ctx context.Context) {
	go m.runJob(ctx, "expiry_sweep", config.NodeLivingTTL, expiryLockKey, config.NodeLivingTTL, m.ExpirySweep)
	go m.runJob(ctx, "health_check", config.HealthCheckInterval, healthLockKey, config.HealthCheckLeaseTTL, m.CheckNodesHealth)
	go m.runJob(ctx, "reconcile", config.CrossCompareInterval, reconcileLockKey, config.CrossCompareInterval, m.Reconcile)
}

// runJob runs work immediately and then once per interval. In cluster mode
// each run first races for the lease; losing it skips the cycle. Jobs are
// idempotent on re-run, so there is no lease renewal.
func (m *Maintenance) runJob(ctx context.Context, name string, interval time.Duration, lockKey string, lockTTL time.Duration, work func(ctx context.Context, now time.Time)) {
	for {
		now := m.cfg.Clock.Now().UTC()

		run := true
		if m.cfg.Cluster {
			ok, err := m.cfg.Router.AcquireLease(ctx, lockKey, m.holder, lockTTL)
			if err != nil {
				m.log.Error("maintenance: failed to acquire lease", "job", name, "error", err)
				run = false
			} else if !ok {
				m.log.Debug("maintenance: lease held elsewhere, skipping cycle", "job", name)
				run = false
			}
		}
		if run {
			work(ctx, now)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(interval):
		}
	}
}
