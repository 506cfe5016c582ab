package store

import (
	"encoding/json"
	"time"
)

// Device is an end-user machine that has connected through a tunnel. Devices
// are created on first Login and never destroyed.
type Device struct {
	DeviceID      string          `json:"device_id"`
	Version       string          `json:"version"`
	Arch          string          `json:"arch"`
	OS            string          `json:"os"`
	ClientAddress string          `json:"client_address"`
	LoginTime     time.Time       `json:"login_time"`
	Meta          json.RawMessage `json:"meta"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Node is one exposed proxy on one tunnel server. Device attributes are
// snapshotted at creation time.
type Node struct {
	NodeID         string          `json:"node_id"`
	DeviceID       string          `json:"device_id"`
	Subdomain      string          `json:"subdomain"`
	Version        string          `json:"version"`
	Arch           string          `json:"arch"`
	OS             string          `json:"os"`
	ClientAddress  string          `json:"client_address"`
	LoginTime      time.Time       `json:"login_time"`
	LastActiveTime time.Time       `json:"last_active_time"`
	LastAvailTime  *time.Time      `json:"last_avail_time"`
	RunID          string          `json:"run_id"`
	Meta           json.RawMessage `json:"meta"`
	NodeVersion    string          `json:"node_version"`
	ChatModel      string          `json:"chat_model"`
	EmbeddingModel string          `json:"embedding_model"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NodeSummary is the reduced row shape returned by the node listing API.
type NodeSummary struct {
	Subdomain      string `json:"subdomain"`
	NodeID         string `json:"node_id"`
	Status         string `json:"status"`
	NodeVersion    string `json:"node_version"`
	ChatModel      string `json:"chat_model"`
	EmbeddingModel string `json:"embedding_model"`
	DeviceID       string `json:"device_id"`
	ClientAddress  string `json:"client_address"`
}

// LivingNode is the row shape the health prober and living-node listing use.
type LivingNode struct {
	NodeID    string    `json:"node_id"`
	Subdomain string    `json:"subdomain"`
	ChatModel string    `json:"-"`
	LoginTime time.Time `json:"-"`
}

// DomainNode is one (domain, node) membership edge with its routing weight.
type DomainNode struct {
	Domain string `json:"domain"`
	NodeID string `json:"node_id"`
	Weight int64  `json:"weight"`
}

// NodeWeight is a (node_id, weight) pair as published to the router store.
type NodeWeight struct {
	NodeID string
	Weight int64
}

// NodeFilter is the set of predicates accepted by QueryNodes. Zero values
// mean "no filter".
type NodeFilter struct {
	Status    string
	DeviceID  string
	ChatModel string
	IDs       []string
	LivedSecs int64
}
