package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertDomainNode creates or updates one (domain, node) membership edge.
func (s *Store) UpsertDomainNode(ctx context.Context, domain, nodeID string, weight int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_nodes (domain, node_id, weight)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain, node_id) DO UPDATE SET weight = EXCLUDED.weight
	`, domain, nodeID, weight)
	if err != nil {
		return fmt.Errorf("failed to upsert domain node %s/%s: %w", domain, nodeID, err)
	}
	return nil
}

// GetDomainNode returns the membership edge, or nil when it does not exist.
func (s *Store) GetDomainNode(ctx context.Context, domain, nodeID string) (*DomainNode, error) {
	var dn DomainNode
	err := s.pool.QueryRow(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE domain = $1 AND node_id = $2
	`, domain, nodeID).Scan(&dn.Domain, &dn.NodeID, &dn.Weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query domain node %s/%s: %w", domain, nodeID, err)
	}
	return &dn, nil
}

// GetDomainNodeByNodeID returns the node's membership edge, or nil. A node
// belongs to at most one domain.
func (s *Store) GetDomainNodeByNodeID(ctx context.Context, nodeID string) (*DomainNode, error) {
	var dn DomainNode
	err := s.pool.QueryRow(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE node_id = $1 LIMIT 1
	`, nodeID).Scan(&dn.Domain, &dn.NodeID, &dn.Weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query domain node by node %s: %w", nodeID, err)
	}
	return &dn, nil
}

// DeleteDomainNode removes the edge and returns the weight it carried, so
// the caller can mirror the removal into the router store without a read-
// compute-write race.
func (s *Store) DeleteDomainNode(ctx context.Context, domain, nodeID string) (int64, bool, error) {
	var weight int64
	err := s.pool.QueryRow(ctx, `
		DELETE FROM domain_nodes WHERE domain = $1 AND node_id = $2 RETURNING weight
	`, domain, nodeID).Scan(&weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete domain node %s/%s: %w", domain, nodeID, err)
	}
	return weight, true, nil
}

// ListDomainNodes returns all membership edges of the domain, including
// nodes whose live status is offline.
func (s *Store) ListDomainNodes(ctx context.Context, domain string) ([]DomainNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE domain = $1 ORDER BY node_id ASC
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain nodes %s: %w", domain, err)
	}
	defer rows.Close()

	var out []DomainNode
	for rows.Next() {
		var dn DomainNode
		if err := rows.Scan(&dn.Domain, &dn.NodeID, &dn.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan domain node: %w", err)
		}
		out = append(out, dn)
	}
	return out, rows.Err()
}

// DistinctDomains returns every domain that has at least one member.
func (s *Store) DistinctDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT domain FROM domain_nodes ORDER BY domain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// OnlineNodesByDomain returns the (node_id, weight) pairs of the domain whose
// node is currently online. This is the source of truth the reconciler
// compares against the router store.
func (s *Store) OnlineNodesByDomain(ctx context.Context, domain string) ([]NodeWeight, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dn.node_id, dn.weight
		FROM domain_nodes dn
		INNER JOIN node_status ns ON ns.node_id = dn.node_id
		WHERE dn.domain = $1 AND ns.status = $2
		ORDER BY dn.node_id ASC
	`, domain, StatusOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to query online nodes of domain %s: %w", domain, err)
	}
	defer rows.Close()

	var out []NodeWeight
	for rows.Next() {
		var nw NodeWeight
		if err := rows.Scan(&nw.NodeID, &nw.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan node weight: %w", err)
		}
		out = append(out, nw)
	}
	return out, rows.Err()
}
