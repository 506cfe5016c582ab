// Package hub implements the tunnel-event state machine: it maps proxy
// lifecycle events from the tunnel servers onto device/node state in the
// state store and mirrors domain-membership changes into the router store.
package hub

import (
	"encoding/json"
	"fmt"
)

// Tunnel server event ops.
const (
	OpLogin      = "Login"
	OpNewProxy   = "NewProxy"
	OpCloseProxy = "CloseProxy"
	OpPing       = "Ping"
)

// Event is the wire shape of a tunnel server webhook: an op tag plus an
// op-specific content object.
type Event struct {
	Op      string          `json:"op"`
	Content json.RawMessage `json:"content"`
}

// ParseEvent decodes the raw webhook body.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event JSON: %w", err)
	}
	if ev.Op == "" {
		return Event{}, fmt.Errorf("event has no op")
	}
	return ev, nil
}

type loginContent struct {
	OS            string            `json:"os"`
	Arch          string            `json:"arch"`
	Version       string            `json:"version"`
	ClientAddress string            `json:"client_address"`
	Metas         map[string]string `json:"metas"`
}

type userInfo struct {
	RunID string            `json:"run_id"`
	Metas map[string]string `json:"metas"`
}

// proxyContent covers NewProxy, CloseProxy and Ping. Note the crossed field
// mapping inherited from the tunnel server: the node id arrives in
// "subdomain" and the routable subdomain in "proxy_name".
type proxyContent struct {
	Subdomain string   `json:"subdomain"`
	ProxyName string   `json:"proxy_name"`
	User      userInfo `json:"user"`
}

func (c loginContent) deviceID() string { return c.Metas["deviceId"] }
func (c proxyContent) deviceID() string { return c.User.Metas["deviceId"] }

func (c loginContent) withDefaults() loginContent {
	if c.OS == "" {
		c.OS = "default_os"
	}
	if c.Arch == "" {
		c.Arch = "default_arch"
	}
	if c.Version == "" {
		c.Version = "0.0.0"
	}
	return c
}

func metasJSON(metas map[string]string) json.RawMessage {
	if len(metas) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(metas)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
