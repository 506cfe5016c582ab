package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const nodeColumns = `
	node_id, device_id, subdomain, version, arch, os, client_address,
	login_time, last_active_time, last_avail_time, run_id, meta,
	node_version, chat_model, embedding_model, status, created_at, updated_at`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	err := row.Scan(
		&n.NodeID, &n.DeviceID, &n.Subdomain, &n.Version, &n.Arch, &n.OS, &n.ClientAddress,
		&n.LoginTime, &n.LastActiveTime, &n.LastAvailTime, &n.RunID, &n.Meta,
		&n.NodeVersion, &n.ChatModel, &n.EmbeddingModel, &n.Status, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNode inserts a new node row.
func (s *Store) CreateNode(ctx context.Context, n Node) error {
	meta := n.Meta
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_status (
			node_id, device_id, subdomain, version, arch, os, client_address,
			login_time, last_active_time, run_id, meta, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, n.NodeID, n.DeviceID, n.Subdomain, n.Version, n.Arch, n.OS, n.ClientAddress,
		n.LoginTime.UTC(), n.LastActiveTime.UTC(), n.RunID, meta, n.Status)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", n.NodeID, err)
	}
	return nil
}

// UpdateNodeFull rewrites every mutable attribute of the node keyed by
// node_id. Used when an offline node reconnects.
func (s *Store) UpdateNodeFull(ctx context.Context, n Node) error {
	meta := n.Meta
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE node_status SET
			subdomain = $2, device_id = $3, version = $4, arch = $5, os = $6,
			client_address = $7, login_time = $8, last_active_time = $9,
			run_id = $10, meta = $11, status = $12, updated_at = now()
		WHERE node_id = $1
	`, n.NodeID, n.Subdomain, n.DeviceID, n.Version, n.Arch, n.OS,
		n.ClientAddress, n.LoginTime.UTC(), n.LastActiveTime.UTC(),
		n.RunID, meta, n.Status)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", n.NodeID, err)
	}
	return nil
}

// GetNodeByID returns the node, or nil when it does not exist.
func (s *Store) GetNodeByID(ctx context.Context, nodeID string) (*Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM node_status WHERE node_id = $1`, nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to query node %s: %w", nodeID, err)
	}
	return n, nil
}

// GetNodeBySubdomain returns the node, or nil when it does not exist.
func (s *Store) GetNodeBySubdomain(ctx context.Context, subdomain string) (*Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM node_status WHERE subdomain = $1`, subdomain))
	if err != nil {
		return nil, fmt.Errorf("failed to query node by subdomain %s: %w", subdomain, err)
	}
	return n, nil
}

// TouchNodesLastActive bumps last_active_time for every online or unavail
// node of the device. GREATEST keeps the timestamp monotone under
// out-of-order ping processing.
func (s *Store) TouchNodesLastActive(ctx context.Context, deviceID string, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_status
		SET last_active_time = GREATEST(last_active_time, $2), updated_at = now()
		WHERE device_id = $1 AND status IN ($3, $4)
	`, deviceID, ts.UTC(), StatusOnline, StatusUnavail)
	if err != nil {
		return 0, fmt.Errorf("failed to touch nodes of device %s: %w", deviceID, err)
	}
	return tag.RowsAffected(), nil
}

// UpdateNodeActiveStatus sets last_active_time and status for the node of the
// device identified by subdomain. Used on CloseProxy.
func (s *Store) UpdateNodeActiveStatus(ctx context.Context, deviceID, subdomain string, ts time.Time, status string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_status
		SET last_active_time = $3, status = $4, updated_at = now()
		WHERE device_id = $1 AND subdomain = $2
	`, deviceID, subdomain, ts.UTC(), status)
	if err != nil {
		return 0, fmt.Errorf("failed to update node %s/%s: %w", deviceID, subdomain, err)
	}
	return tag.RowsAffected(), nil
}

// UpdateNodeAvail sets last_avail_time and status atomically.
func (s *Store) UpdateNodeAvail(ctx context.Context, nodeID string, ts time.Time, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE node_status
		SET last_avail_time = $2, status = $3, updated_at = now()
		WHERE node_id = $1
	`, nodeID, ts.UTC(), status)
	if err != nil {
		return fmt.Errorf("failed to update node avail %s: %w", nodeID, err)
	}
	return nil
}

// MarkNodeUnavail flips the node to unavail without touching its timestamps.
// Used when a health probe answers with a bad status.
func (s *Store) MarkNodeUnavail(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE node_status SET status = $2, updated_at = now() WHERE node_id = $1
	`, nodeID, StatusUnavail)
	if err != nil {
		return fmt.Errorf("failed to mark node %s unavail: %w", nodeID, err)
	}
	return nil
}

// UpdateNodeInfo records the node's self-reported version and model names.
func (s *Store) UpdateNodeInfo(ctx context.Context, nodeID, nodeVersion, chatModel, embeddingModel string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_status
		SET node_version = $2, chat_model = $3, embedding_model = $4, updated_at = now()
		WHERE node_id = $1
	`, nodeID, nodeVersion, chatModel, embeddingModel)
	if err != nil {
		return 0, fmt.Errorf("failed to update node info %s: %w", nodeID, err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpired expires silent nodes in two phases: a node whose last good
// health report is older than the cutoff goes unavail first, then a node
// whose tunnel has also gone silent goes offline. The order matters so a
// silent node is unavail before it is offline.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (unavailed, closed int64, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_status
		SET status = $2, updated_at = now()
		WHERE status IN ($2, $3) AND last_avail_time < $1
	`, cutoff.UTC(), StatusUnavail, StatusOnline)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to unavail expired nodes: %w", err)
	}
	unavailed = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE node_status
		SET status = $2, updated_at = now()
		WHERE status IN ($3, $4) AND last_active_time < $1
	`, cutoff.UTC(), StatusOffline, StatusOnline, StatusUnavail)
	if err != nil {
		return unavailed, 0, fmt.Errorf("failed to close expired nodes: %w", err)
	}
	return unavailed, tag.RowsAffected(), nil
}

// QueryLivingPaged returns online/unavail nodes that have been up for at
// least minLivedSecs, keyset-paginated by login_time.
func (s *Store) QueryLivingPaged(ctx context.Context, minLivedSecs int64, pageSize int, afterLoginTime time.Time) ([]LivingNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, subdomain, chat_model, login_time
		FROM node_status
		WHERE status IN ($1, $2)
		  AND EXTRACT(EPOCH FROM (last_active_time - login_time)) >= $3
		  AND login_time > $4
		ORDER BY login_time ASC
		LIMIT $5
	`, StatusOnline, StatusUnavail, minLivedSecs, afterLoginTime.UTC(), pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query living nodes: %w", err)
	}
	defer rows.Close()

	var out []LivingNode
	for rows.Next() {
		var n LivingNode
		if err := rows.Scan(&n.NodeID, &n.Subdomain, &n.ChatModel, &n.LoginTime); err != nil {
			return nil, fmt.Errorf("failed to scan living node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// QueryLivingNodes is the offset-paginated listing behind /inner/living_nodes.
func (s *Store) QueryLivingNodes(ctx context.Context, livedSecs int64, page, size int64) ([]LivingNode, error) {
	if size <= 0 {
		size = 10
	}
	if page < 0 {
		page = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, subdomain, chat_model, login_time
		FROM node_status
		WHERE status = $1
		  AND EXTRACT(EPOCH FROM (last_active_time - login_time)) >= $2
		ORDER BY login_time ASC
		LIMIT $3 OFFSET $4
	`, StatusOnline, livedSecs, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("failed to query living nodes: %w", err)
	}
	defer rows.Close()

	var out []LivingNode
	for rows.Next() {
		var n LivingNode
		if err := rows.Scan(&n.NodeID, &n.Subdomain, &n.ChatModel, &n.LoginTime); err != nil {
			return nil, fmt.Errorf("failed to scan living node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// QueryNodes returns node summaries matching the filter.
func (s *Store) QueryNodes(ctx context.Context, f NodeFilter) ([]NodeSummary, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(f.Status))
	}
	if f.DeviceID != "" {
		conds = append(conds, "device_id = "+arg(f.DeviceID))
	}
	if f.ChatModel != "" {
		conds = append(conds, "chat_model = "+arg(f.ChatModel))
	}
	if len(f.IDs) > 0 {
		conds = append(conds, "node_id = ANY("+arg(f.IDs)+")")
	}
	if f.LivedSecs > 0 {
		conds = append(conds, "EXTRACT(EPOCH FROM (last_active_time - login_time)) >= "+arg(f.LivedSecs))
	}

	query := `
		SELECT subdomain, node_id, status, node_version, chat_model, embedding_model, device_id, client_address
		FROM node_status`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeSummary
	for rows.Next() {
		var n NodeSummary
		if err := rows.Scan(&n.Subdomain, &n.NodeID, &n.Status, &n.NodeVersion,
			&n.ChatModel, &n.EmbeddingModel, &n.DeviceID, &n.ClientAddress); err != nil {
			return nil, fmt.Errorf("failed to scan node summary: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
