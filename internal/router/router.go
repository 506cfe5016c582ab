// Package router is the shared routing store consumed by the downstream
// load balancer. Per-domain membership lives in a Redis sorted set keyed
// "{domain}_nodes_weights" whose scores are cumulative weights in insertion
// order: the logical weight of member k is score_k - score_{k-1}. The
// balancer picks a member by drawing a uniform integer below the tail score
// and taking the first member whose cumulative score exceeds it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaianet/gaia-hub/internal/metrics"
	"github.com/gaianet/gaia-hub/internal/store"
)

// txAttempts bounds the optimistic-transaction retry: one retry on a WATCH
// abort, after which the reconciler repairs any lost update.
const txAttempts = 2

type Config struct {
	Logger   *slog.Logger
	RedisURL string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RedisURL == "" {
		return errors.New("redis URL is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{log: cfg.Logger, rdb: rdb}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(log *slog.Logger, rdb *redis.Client) *Store {
	return &Store{log: log, rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func domainKey(domain string) string {
	return domain + "_nodes_weights"
}

// watch runs fn under WATCH on the domain key, retrying once on an
// optimistic abort.
func (s *Store) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = s.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		metrics.RouterTxRetriesTotal.Inc()
		s.log.Warn("router: transaction aborted, retrying", "key", key, "attempt", attempt+1)
	}
	return err
}

// Join appends the node at the tail with cumulative score tail+weight.
func (s *Store) Join(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		tail, err := tailScore(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: tail + float64(weight), Member: nodeID})
			return nil
		})
		return err
	})
}

// Upjoin sets the node's logical weight, appending when absent and
// preserving its position when present. All members from the node's rank
// onward are shifted by the weight delta so each member's logical weight
// (score minus previous score) is unchanged.
func (s *Store) Upjoin(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		members, err := tx.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		rank := -1
		for i, m := range members {
			if m.Member == nodeID {
				rank = i
				break
			}
		}

		if rank < 0 {
			tail := 0.0
			if len(members) > 0 {
				tail = members[len(members)-1].Score
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZAdd(ctx, key, redis.Z{Score: tail + float64(weight), Member: nodeID})
				return nil
			})
			return err
		}

		prev := 0.0
		if rank > 0 {
			prev = members[rank-1].Score
		}
		delta := float64(weight) - (members[rank].Score - prev)
		if delta == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range members[rank:] {
				pipe.ZAdd(ctx, key, redis.Z{Score: m.Score + delta, Member: m.Member})
			}
			return nil
		})
		return err
	})
}

// Leave removes the node and shifts every strictly-following member's score
// down by weight. The caller supplies the weight from the row it just
// deleted so the removal needs no read of the logical weight here.
func (s *Store) Leave(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		members, err := tx.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		rank := -1
		for i, m := range members {
			if m.Member == nodeID {
				rank = i
				break
			}
		}
		if rank < 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range members[rank+1:] {
				pipe.ZAdd(ctx, key, redis.Z{Score: m.Score - float64(weight), Member: m.Member})
			}
			pipe.ZRem(ctx, key, nodeID)
			return nil
		})
		return err
	})
}

// List returns the members in position order with their logical weights,
// computed as adjacent score differences.
func (s *Store) List(ctx context.Context, domain string) ([]store.NodeWeight, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, domainKey(domain), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read domain %s: %w", domain, err)
	}

	out := make([]store.NodeWeight, 0, len(members))
	prev := 0.0
	for _, m := range members {
		nodeID, _ := m.Member.(string)
		out = append(out, store.NodeWeight{NodeID: nodeID, Weight: int64(m.Score - prev)})
		prev = m.Score
	}
	return out, nil
}

func tailScore(ctx context.Context, tx *redis.Tx, key string) (float64, error) {
	last, err := tx.ZRangeWithScores(ctx, key, -1, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if len(last) == 0 {
		return 0, nil
	}
	return last[0].Score, nil
}

// SetSubdomainFRPS records which tunnel server a subdomain is attached to.
func (s *Store) SetSubdomainFRPS(ctx context.Context, subdomain, frpsID string) error {
	if err := s.rdb.Set(ctx, subdomain, frpsID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set subdomain %s: %w", subdomain, err)
	}
	return nil
}

// DelSubdomain drops the subdomain mapping.
func (s *Store) DelSubdomain(ctx context.Context, subdomain string) error {
	if err := s.rdb.Del(ctx, subdomain).Err(); err != nil {
		return fmt.Errorf("failed to del subdomain %s: %w", subdomain, err)
	}
	return nil
}

// AcquireLease does a conditional SET NX EX on the lease key. A holder that
// crashes is superseded when the key expires; there is no renewal.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, name, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return ok, nil
}
