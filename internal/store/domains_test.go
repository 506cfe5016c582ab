package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDomainNodeCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-1", 10))
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-2", 20))

	dn, err := s.GetDomainNode(ctx, "gaia", "node-1")
	require.NoError(t, err)
	require.Equal(t, &DomainNode{Domain: "gaia", NodeID: "node-1", Weight: 10}, dn)

	// Upsert replaces the weight in place.
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-1", 50))
	dn, err = s.GetDomainNode(ctx, "gaia", "node-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), dn.Weight)

	byNode, err := s.GetDomainNodeByNodeID(ctx, "node-2")
	require.NoError(t, err)
	require.Equal(t, "gaia", byNode.Domain)

	list, err := s.ListDomainNodes(ctx, "gaia")
	require.NoError(t, err)
	require.Len(t, list, 2)

	weight, found, err := s.DeleteDomainNode(ctx, "gaia", "node-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(50), weight)

	_, found, err = s.DeleteDomainNode(ctx, "gaia", "node-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetDomainNode_MissingIsNil(t *testing.T) {
	s := newTestStore(t)

	dn, err := s.GetDomainNode(context.Background(), "gaia", "ghost")
	require.NoError(t, err)
	require.Nil(t, dn)

	dn, err = s.GetDomainNodeByNodeID(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, dn)
}

func TestDistinctDomains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-1", 10))
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-2", 10))
	require.NoError(t, s.UpsertDomainNode(ctx, "atlas", "node-3", 10))

	domains, err := s.DistinctDomains(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"atlas", "gaia"}, domains)
}

func TestOnlineNodesByDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	login := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	seedDevice(t, s, "dev-1", login)
	seedNode(t, s, "node-a", "dev-1", StatusOnline, login, login.Add(time.Hour))
	seedNode(t, s, "node-b", "dev-1", StatusOffline, login, login.Add(time.Hour))
	seedNode(t, s, "node-c", "dev-1", StatusUnavail, login, login.Add(time.Hour))

	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-a", 10))
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-b", 20))
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "node-c", 30))
	// Membership may reference a node the state store no longer has.
	require.NoError(t, s.UpsertDomainNode(ctx, "gaia", "ghost", 40))

	online, err := s.OnlineNodesByDomain(ctx, "gaia")
	require.NoError(t, err)
	require.Equal(t, []NodeWeight{{NodeID: "node-a", Weight: 10}}, online)
}
