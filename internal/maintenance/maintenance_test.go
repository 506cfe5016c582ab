package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	sweepCutoffs []time.Time
	pages        [][]store.LivingNode
	pageCursors  []time.Time
	unavail      []string
	domains      []string
	online       map[string][]store.NodeWeight
}

func (f *fakeStore) SweepExpired(_ context.Context, cutoff time.Time) (int64, int64, error) {
	f.sweepCutoffs = append(f.sweepCutoffs, cutoff)
	return 0, 0, nil
}

func (f *fakeStore) QueryLivingPaged(_ context.Context, _ int64, _ int, afterLoginTime time.Time) ([]store.LivingNode, error) {
	f.pageCursors = append(f.pageCursors, afterLoginTime)
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

// MarkNodeUnavail is called from probe goroutines.
func (f *fakeStore) MarkNodeUnavail(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavail = append(f.unavail, nodeID)
	return nil
}

func (f *fakeStore) markedUnavail() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unavail...)
}

func (f *fakeStore) DistinctDomains(_ context.Context) ([]string, error) {
	return f.domains, nil
}

func (f *fakeStore) OnlineNodesByDomain(_ context.Context, domain string) ([]store.NodeWeight, error) {
	return f.online[domain], nil
}

type routerCall struct {
	op     string
	domain string
	nodeID string
	weight int64
}

type leaseCall struct {
	name   string
	holder string
	ttl    time.Duration
}

type fakeRouter struct {
	lists   map[string][]store.NodeWeight
	calls   []routerCall
	leases  []leaseCall
	leaseOK bool
}

func (f *fakeRouter) List(_ context.Context, domain string) ([]store.NodeWeight, error) {
	return f.lists[domain], nil
}

func (f *fakeRouter) Join(_ context.Context, domain, nodeID string, weight int64) error {
	f.calls = append(f.calls, routerCall{"join", domain, nodeID, weight})
	return nil
}

func (f *fakeRouter) Upjoin(_ context.Context, domain, nodeID string, weight int64) error {
	f.calls = append(f.calls, routerCall{"upjoin", domain, nodeID, weight})
	return nil
}

func (f *fakeRouter) Leave(_ context.Context, domain, nodeID string, weight int64) error {
	f.calls = append(f.calls, routerCall{"leave", domain, nodeID, weight})
	return nil
}

func (f *fakeRouter) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.leases = append(f.leases, leaseCall{name, holder, ttl})
	return f.leaseOK, nil
}

func newTestMaintenance(t *testing.T, cfg Config) (*Maintenance, *fakeStore, *fakeRouter, *clockwork.FakeClock) {
	t.Helper()
	fs := &fakeStore{online: map[string][]store.NodeWeight{}}
	fr := &fakeRouter{lists: map[string][]store.NodeWeight{}, leaseOK: true}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	cfg.Logger = slog.Default()
	cfg.Store = fs
	cfg.Router = fr
	cfg.Clock = clock

	m, err := New(cfg)
	require.NoError(t, err)
	return m, fs, fr, clock
}

func TestExpirySweep_CutoffIsLivingTTL(t *testing.T) {
	m, fs, _, clock := newTestMaintenance(t, Config{})

	now := clock.Now().UTC()
	m.ExpirySweep(context.Background(), now)

	require.Equal(t, []time.Time{now.Add(-config.NodeLivingTTL)}, fs.sweepCutoffs)
}

func TestRunJob_SkipsCycleWhenLeaseHeldElsewhere(t *testing.T) {
	m, _, fr, _ := newTestMaintenance(t, Config{Cluster: true})
	fr.leaseOK = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	m.runJob(ctx, "test_job", time.Minute, "test_lock", time.Minute, func(context.Context, time.Time) {
		ran = true
	})

	require.False(t, ran)
	require.Equal(t, []leaseCall{{"test_lock", m.holder, time.Minute}}, fr.leases)
}

func TestRunJob_RunsWhenLeaseAcquired(t *testing.T) {
	m, _, fr, _ := newTestMaintenance(t, Config{Cluster: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	m.runJob(ctx, "test_job", time.Minute, "test_lock", time.Minute, func(context.Context, time.Time) {
		ran = true
	})

	require.True(t, ran)
	require.Len(t, fr.leases, 1)
}

func TestRunJob_NoLeaseOutsideCluster(t *testing.T) {
	m, _, fr, _ := newTestMaintenance(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	m.runJob(ctx, "test_job", time.Minute, "test_lock", time.Minute, func(context.Context, time.Time) {
		ran = true
	})

	require.True(t, ran)
	require.Empty(t, fr.leases)
}
