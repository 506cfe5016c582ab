package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gaianet/gaia-hub/internal/store"
)

// fakeStateStore is an in-memory StateStore keyed the way the real schema is.
type fakeStateStore struct {
	devices     map[string]store.Device
	nodes       map[string]store.Node
	domainNodes map[string]store.DomainNode // keyed by node id

	createCalls     int
	updateFullCalls int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		devices:     map[string]store.Device{},
		nodes:       map[string]store.Node{},
		domainNodes: map[string]store.DomainNode{},
	}
}

func (f *fakeStateStore) UpsertDevice(_ context.Context, d store.Device) error {
	f.devices[d.DeviceID] = d
	return nil
}

func (f *fakeStateStore) GetDevice(_ context.Context, deviceID string) (*store.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *fakeStateStore) GetNodeByID(_ context.Context, nodeID string) (*store.Node, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (f *fakeStateStore) GetNodeBySubdomain(_ context.Context, subdomain string) (*store.Node, error) {
	for _, n := range f.nodes {
		if n.Subdomain == subdomain {
			return &n, nil
		}
	}
	return nil, nil
}

func (f *fakeStateStore) CreateNode(_ context.Context, n store.Node) error {
	if _, ok := f.nodes[n.NodeID]; ok {
		return fmt.Errorf("duplicate node %s", n.NodeID)
	}
	f.nodes[n.NodeID] = n
	f.createCalls++
	return nil
}

func (f *fakeStateStore) UpdateNodeFull(_ context.Context, n store.Node) error {
	if _, ok := f.nodes[n.NodeID]; !ok {
		return fmt.Errorf("no such node %s", n.NodeID)
	}
	f.nodes[n.NodeID] = n
	f.updateFullCalls++
	return nil
}

func (f *fakeStateStore) UpdateNodeActiveStatus(_ context.Context, deviceID, subdomain string, ts time.Time, status string) (int64, error) {
	var affected int64
	for id, n := range f.nodes {
		if n.DeviceID == deviceID && n.Subdomain == subdomain {
			n.LastActiveTime = ts
			n.Status = status
			f.nodes[id] = n
			affected++
		}
	}
	return affected, nil
}

func (f *fakeStateStore) TouchNodesLastActive(_ context.Context, deviceID string, ts time.Time) (int64, error) {
	var affected int64
	for id, n := range f.nodes {
		if n.DeviceID != deviceID {
			continue
		}
		if n.Status != store.StatusOnline && n.Status != store.StatusUnavail {
			continue
		}
		if ts.After(n.LastActiveTime) {
			n.LastActiveTime = ts
		}
		f.nodes[id] = n
		affected++
	}
	return affected, nil
}

func (f *fakeStateStore) GetDomainNodeByNodeID(_ context.Context, nodeID string) (*store.DomainNode, error) {
	dn, ok := f.domainNodes[nodeID]
	if !ok {
		return nil, nil
	}
	return &dn, nil
}

type routerCall struct {
	op     string
	domain string
	nodeID string
	weight int64
}

type fakeRouterStore struct {
	calls      []routerCall
	subdomains map[string]string
}

func newFakeRouterStore() *fakeRouterStore {
	return &fakeRouterStore{subdomains: map[string]string{}}
}

func (f *fakeRouterStore) Upjoin(_ context.Context, domain, nodeID string, weight int64) error {
	f.calls = append(f.calls, routerCall{"upjoin", domain, nodeID, weight})
	return nil
}

func (f *fakeRouterStore) Leave(_ context.Context, domain, nodeID string, weight int64) error {
	f.calls = append(f.calls, routerCall{"leave", domain, nodeID, weight})
	return nil
}

func (f *fakeRouterStore) SetSubdomainFRPS(_ context.Context, subdomain, frpsID string) error {
	f.subdomains[subdomain] = frpsID
	return nil
}

func (f *fakeRouterStore) DelSubdomain(_ context.Context, subdomain string) error {
	delete(f.subdomains, subdomain)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeStateStore, *fakeRouterStore, *clockwork.FakeClock) {
	t.Helper()
	ss := newFakeStateStore()
	rs := newFakeRouterStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p, err := NewProcessor(Config{
		Logger: slog.Default(),
		Store:  ss,
		Router: rs,
		Clock:  clock,
	})
	require.NoError(t, err)
	return p, ss, rs, clock
}

func event(t *testing.T, op string, content any) Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return Event{Op: op, Content: raw}
}

func loginEvent(t *testing.T, deviceID string) Event {
	return event(t, OpLogin, map[string]any{
		"os":             "linux",
		"arch":           "amd64",
		"version":        "0.63.0",
		"client_address": "203.0.113.7:41000",
		"metas":          map[string]string{"deviceId": deviceID},
	})
}

func proxyEvent(t *testing.T, op, deviceID, nodeID, subdomain string) Event {
	return event(t, op, map[string]any{
		"subdomain":  nodeID,
		"proxy_name": subdomain,
		"user": map[string]any{
			"run_id": "run-1",
			"metas":  map[string]string{"deviceId": deviceID},
		},
	})
}

func TestLifecycle_LoginNewProxyPingClose(t *testing.T) {
	p, ss, _, clock := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "frps_0", loginEvent(t, "dev-1")))
	require.Contains(t, ss.devices, "dev-1")
	require.Equal(t, "linux", ss.devices["dev-1"].OS)

	require.NoError(t, p.HandleEvent(ctx, "frps_0", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	node := ss.nodes["node-1"]
	require.Equal(t, store.StatusOnline, node.Status)
	require.Equal(t, "dev-1", node.DeviceID)
	require.Equal(t, "node-1.gaia.domains", node.Subdomain)
	require.Equal(t, "run-1", node.RunID)

	clock.Advance(30 * time.Second)
	require.NoError(t, p.HandleEvent(ctx, "frps_0", proxyEvent(t, OpPing, "dev-1", "", "")))
	require.Equal(t, clock.Now().UTC(), ss.nodes["node-1"].LastActiveTime)

	require.NoError(t, p.HandleEvent(ctx, "frps_0", proxyEvent(t, OpCloseProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	require.Equal(t, store.StatusOffline, ss.nodes["node-1"].Status)
}

func TestNewProxy_CrossedFieldMapping(t *testing.T) {
	p, ss, _, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "", loginEvent(t, "dev-1")))
	// The wire "subdomain" field carries the node id and "proxy_name" the
	// routable subdomain.
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "0xabc", "0xabc.gaia.domains")))

	node, ok := ss.nodes["0xabc"]
	require.True(t, ok)
	require.Equal(t, "0xabc.gaia.domains", node.Subdomain)
}

func TestNewProxy_DuplicateIsIgnored(t *testing.T) {
	p, ss, _, clock := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "", loginEvent(t, "dev-1")))
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	first := ss.nodes["node-1"]

	clock.Advance(time.Minute)
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))

	require.Equal(t, 1, ss.createCalls)
	require.Equal(t, 0, ss.updateFullCalls)
	require.Equal(t, first.LastActiveTime, ss.nodes["node-1"].LastActiveTime)
}

func TestNewProxy_OfflineNodeIsRefreshed(t *testing.T) {
	p, ss, _, clock := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "", loginEvent(t, "dev-1")))
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpCloseProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	require.Equal(t, store.StatusOffline, ss.nodes["node-1"].Status)

	clock.Advance(time.Minute)
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))

	require.Equal(t, 1, ss.updateFullCalls)
	require.Equal(t, store.StatusOnline, ss.nodes["node-1"].Status)
	require.Equal(t, clock.Now().UTC(), ss.nodes["node-1"].LastActiveTime)
}

func TestNewProxy_UnknownDeviceFails(t *testing.T) {
	p, ss, _, _ := newTestProcessor(t)

	err := p.HandleEvent(context.Background(), "", proxyEvent(t, OpNewProxy, "ghost", "node-1", "node-1.gaia.domains"))
	require.Error(t, err)
	require.Empty(t, ss.nodes)
}

func TestNewProxy_RejoinsDomainMembership(t *testing.T) {
	p, ss, rs, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "", loginEvent(t, "dev-1")))
	ss.domainNodes["node-1"] = store.DomainNode{Domain: "gaia", NodeID: "node-1", Weight: 25}

	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))

	require.Equal(t, []routerCall{{"upjoin", "gaia", "node-1", 25}}, rs.calls)
}

func TestCloseProxy_LeavesDomainMembership(t *testing.T) {
	p, ss, rs, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "", loginEvent(t, "dev-1")))
	ss.domainNodes["node-1"] = store.DomainNode{Domain: "gaia", NodeID: "node-1", Weight: 25}
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	rs.calls = nil

	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpCloseProxy, "dev-1", "node-1", "node-1.gaia.domains")))

	require.Equal(t, []routerCall{{"leave", "gaia", "node-1", 25}}, rs.calls)
}

func TestSubdomainMappingFollowsTunnelServer(t *testing.T) {
	p, _, rs, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.HandleEvent(ctx, "frps_2", loginEvent(t, "dev-1")))
	require.NoError(t, p.HandleEvent(ctx, "frps_2", proxyEvent(t, OpNewProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	require.Equal(t, "frps_2", rs.subdomains["node-1.gaia.domains"])

	require.NoError(t, p.HandleEvent(ctx, "frps_2", proxyEvent(t, OpCloseProxy, "dev-1", "node-1", "node-1.gaia.domains")))
	require.NotContains(t, rs.subdomains, "node-1.gaia.domains")
}

func TestPing_BumpsOnlyLivingNodesOfDevice(t *testing.T) {
	p, ss, _, clock := newTestProcessor(t)
	ctx := context.Background()
	start := clock.Now().UTC()

	ss.nodes["online"] = store.Node{NodeID: "online", DeviceID: "dev-1", Status: store.StatusOnline, LastActiveTime: start}
	ss.nodes["unavail"] = store.Node{NodeID: "unavail", DeviceID: "dev-1", Status: store.StatusUnavail, LastActiveTime: start}
	ss.nodes["offline"] = store.Node{NodeID: "offline", DeviceID: "dev-1", Status: store.StatusOffline, LastActiveTime: start}
	ss.nodes["other"] = store.Node{NodeID: "other", DeviceID: "dev-2", Status: store.StatusOnline, LastActiveTime: start}

	clock.Advance(time.Minute)
	require.NoError(t, p.HandleEvent(ctx, "", proxyEvent(t, OpPing, "dev-1", "", "")))

	bumped := clock.Now().UTC()
	require.Equal(t, bumped, ss.nodes["online"].LastActiveTime)
	require.Equal(t, bumped, ss.nodes["unavail"].LastActiveTime)
	require.Equal(t, start, ss.nodes["offline"].LastActiveTime)
	require.Equal(t, start, ss.nodes["other"].LastActiveTime)
}

func TestLogin_AppliesDefaults(t *testing.T) {
	p, ss, _, _ := newTestProcessor(t)

	ev := event(t, OpLogin, map[string]any{
		"client_address": "203.0.113.7:41000",
		"metas":          map[string]string{"deviceId": "dev-1"},
	})
	require.NoError(t, p.HandleEvent(context.Background(), "", ev))

	d := ss.devices["dev-1"]
	require.Equal(t, "default_os", d.OS)
	require.Equal(t, "default_arch", d.Arch)
	require.Equal(t, "0.0.0", d.Version)
}

func TestValidationFailuresLeaveStateUntouched(t *testing.T) {
	p, ss, rs, _ := newTestProcessor(t)
	ctx := context.Background()

	// Login without a device id.
	err := p.HandleEvent(ctx, "", event(t, OpLogin, map[string]any{"client_address": "1.2.3.4:1"}))
	require.Error(t, err)

	// Login without a client address.
	err = p.HandleEvent(ctx, "", event(t, OpLogin, map[string]any{"metas": map[string]string{"deviceId": "dev-1"}}))
	require.Error(t, err)

	// NewProxy without a node id.
	err = p.HandleEvent(ctx, "", proxyEvent(t, OpNewProxy, "dev-1", "", "node-1.gaia.domains"))
	require.Error(t, err)

	require.Empty(t, ss.devices)
	require.Empty(t, ss.nodes)
	require.Empty(t, rs.calls)
	require.Empty(t, rs.subdomains)
}

func TestUnknownOpIsIgnored(t *testing.T) {
	p, ss, _, _ := newTestProcessor(t)

	require.NoError(t, p.HandleEvent(context.Background(), "", Event{Op: "NewWorkConn", Content: json.RawMessage(`{}`)}))
	require.Empty(t, ss.nodes)
}
