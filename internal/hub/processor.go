package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gaianet/gaia-hub/internal/metrics"
	"github.com/gaianet/gaia-hub/internal/store"
)

// StateStore is the slice of the state store the event processor writes.
type StateStore interface {
	UpsertDevice(ctx context.Context, d store.Device) error
	GetDevice(ctx context.Context, deviceID string) (*store.Device, error)
	GetNodeByID(ctx context.Context, nodeID string) (*store.Node, error)
	GetNodeBySubdomain(ctx context.Context, subdomain string) (*store.Node, error)
	CreateNode(ctx context.Context, n store.Node) error
	UpdateNodeFull(ctx context.Context, n store.Node) error
	UpdateNodeActiveStatus(ctx context.Context, deviceID, subdomain string, ts time.Time, status string) (int64, error)
	TouchNodesLastActive(ctx context.Context, deviceID string, ts time.Time) (int64, error)
	GetDomainNodeByNodeID(ctx context.Context, nodeID string) (*store.DomainNode, error)
}

// RouterStore is the slice of the router store the event processor mirrors
// membership changes into.
type RouterStore interface {
	Upjoin(ctx context.Context, domain, nodeID string, weight int64) error
	Leave(ctx context.Context, domain, nodeID string, weight int64) error
	SetSubdomainFRPS(ctx context.Context, subdomain, frpsID string) error
	DelSubdomain(ctx context.Context, subdomain string) error
}

type Config struct {
	Logger *slog.Logger
	Store  StateStore
	Router RouterStore
	Clock  clockwork.Clock
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
	return nil
}

// Processor runs the device/node state machine. Router store failures are
// logged but never fail the event: the state store stays authoritative and
// the reconciler repairs the drift.
type Processor struct {
	log    *slog.Logger
	store  StateStore
	router RouterStore
	clock  clockwork.Clock
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log:    cfg.Logger,
		store:  cfg.Store,
		router: cfg.Router,
		clock:  cfg.Clock,
	}, nil
}

// HandleEvent applies one tunnel server event. frpsID identifies the
// emitting tunnel server instance and may be empty.
func (p *Processor) HandleEvent(ctx context.Context, frpsID string, ev Event) error {
	metrics.TunnelEventsTotal.WithLabelValues(ev.Op).Inc()

	if ev.Op != OpPing {
		p.log.Info("hub: received event", "op", ev.Op, "frps_id", frpsID, "content", string(ev.Content))
	}

	var err error
	switch ev.Op {
	case OpLogin:
		err = p.handleLogin(ctx, ev.Content)
	case OpNewProxy:
		err = p.handleNewProxy(ctx, frpsID, ev.Content)
	case OpCloseProxy:
		err = p.handleCloseProxy(ctx, frpsID, ev.Content)
	case OpPing:
		err = p.handlePing(ctx, ev.Content)
	default:
		// Unknown ops are admitted unchanged and ignored.
		return nil
	}
	if err != nil {
		metrics.TunnelEventErrorsTotal.WithLabelValues(ev.Op).Inc()
	}
	return err
}

func (p *Processor) handleLogin(ctx context.Context, raw json.RawMessage) error {
	var c loginContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("invalid Login content: %w", err)
	}
	deviceID := c.deviceID()
	if deviceID == "" {
		return fmt.Errorf("device ID not found in metas")
	}
	if c.ClientAddress == "" {
		return fmt.Errorf("client address not found in content")
	}
	c = c.withDefaults()

	return p.store.UpsertDevice(ctx, store.Device{
		DeviceID:      deviceID,
		OS:            c.OS,
		Arch:          c.Arch,
		Version:       c.Version,
		ClientAddress: c.ClientAddress,
		LoginTime:     p.clock.Now().UTC(),
		Meta:          metasJSON(c.Metas),
	})
}

func (p *Processor) handleNewProxy(ctx context.Context, frpsID string, raw json.RawMessage) error {
	var c proxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("invalid NewProxy content: %w", err)
	}
	deviceID := c.deviceID()
	if deviceID == "" {
		return fmt.Errorf("device ID not found in metas")
	}
	nodeID := c.Subdomain
	if nodeID == "" {
		return fmt.Errorf("node ID not found in content")
	}
	subdomain := c.ProxyName
	if subdomain == "" {
		return fmt.Errorf("subdomain not found in content")
	}

	// Record which tunnel server terminates this subdomain.
	if frpsID != "" {
		if err := p.router.SetSubdomainFRPS(ctx, subdomain, frpsID); err != nil {
			p.log.Error("hub: failed to set subdomain mapping", "subdomain", subdomain, "frps_id", frpsID, "error", err)
		}
	}

	device, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("device not found: %s", deviceID)
	}

	now := p.clock.Now().UTC()
	node := store.Node{
		NodeID:         nodeID,
		DeviceID:       deviceID,
		Subdomain:      subdomain,
		Version:        device.Version,
		Arch:           device.Arch,
		OS:             device.OS,
		ClientAddress:  device.ClientAddress,
		LoginTime:      device.LoginTime,
		LastActiveTime: now,
		RunID:          c.User.RunID,
		Meta:           metasJSON(c.User.Metas),
		Status:         store.StatusOnline,
	}

	existing, err := p.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return err
	}

	cameOnline := false
	switch {
	case existing == nil:
		if err := p.store.CreateNode(ctx, node); err != nil {
			return err
		}
		cameOnline = true
	case existing.Status == store.StatusOffline:
		if err := p.store.UpdateNodeFull(ctx, node); err != nil {
			return err
		}
		cameOnline = true
	default:
		// Already online or unavail: the tunnel server re-announces
		// existing proxies, so this is a duplicate.
	}

	if cameOnline {
		dn, err := p.store.GetDomainNodeByNodeID(ctx, nodeID)
		if err != nil {
			return err
		}
		if dn != nil {
			if err := p.router.Upjoin(ctx, dn.Domain, nodeID, dn.Weight); err != nil {
				p.log.Error("hub: failed to upjoin domain node", "domain", dn.Domain, "node_id", nodeID, "error", err)
			}
		}
	}
	return nil
}

func (p *Processor) handleCloseProxy(ctx context.Context, frpsID string, raw json.RawMessage) error {
	var c proxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("invalid CloseProxy content: %w", err)
	}
	deviceID := c.deviceID()
	if deviceID == "" {
		return fmt.Errorf("device ID not found in metas")
	}
	subdomain := c.ProxyName
	if subdomain == "" {
		return fmt.Errorf("subdomain not found in content")
	}

	if frpsID != "" {
		if err := p.router.DelSubdomain(ctx, subdomain); err != nil {
			p.log.Error("hub: failed to del subdomain mapping", "subdomain", subdomain, "error", err)
		}
	}

	now := p.clock.Now().UTC()
	if _, err := p.store.UpdateNodeActiveStatus(ctx, deviceID, subdomain, now, store.StatusOffline); err != nil {
		return err
	}

	node, err := p.store.GetNodeBySubdomain(ctx, subdomain)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	dn, err := p.store.GetDomainNodeByNodeID(ctx, node.NodeID)
	if err != nil {
		return err
	}
	if dn != nil {
		if err := p.router.Leave(ctx, dn.Domain, node.NodeID, dn.Weight); err != nil {
			p.log.Error("hub: failed to leave domain node", "domain", dn.Domain, "node_id", node.NodeID, "error", err)
		}
	}
	return nil
}

func (p *Processor) handlePing(ctx context.Context, raw json.RawMessage) error {
	var c proxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("invalid Ping content: %w", err)
	}
	deviceID := c.deviceID()
	if deviceID == "" {
		return fmt.Errorf("device ID not found in metas")
	}

	// Ping carries only the device id; bump every living node of the device.
	_, err := p.store.TouchNodesLastActive(ctx, deviceID, p.clock.Now().UTC())
	return err
}
