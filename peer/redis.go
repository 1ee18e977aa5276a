package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// renewScript extends the lease only while this node still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// resignScript drops the lease only while this node still holds it.
var resignScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease elects a leader with a single Redis key set NX with a TTL. The
// holder renews it every renew interval; peers announce themselves under
// their own TTL keys.
type RedisLease struct {
	client    *redis.Client
	node      string
	prefix    string
	ttl       time.Duration
	renew     time.Duration
	startedAt time.Time
	leader    atomic.Bool
	renewedAt atomic.Int64 // unix nanos of the last successful acquire or renew
	logger    *zap.Logger
}

// LeaseOption configures a RedisLease.
type LeaseOption func(*RedisLease)

// WithNodeID sets the node identity. The default is a random UUID.
func WithNodeID(id string) LeaseOption {
	return func(l *RedisLease) { l.node = id }
}

// WithKeyPrefix sets the prefix of the lease and peer keys.
func WithKeyPrefix(prefix string) LeaseOption {
	return func(l *RedisLease) { l.prefix = prefix }
}

// WithTTL sets the lease lifetime.
func WithTTL(ttl time.Duration) LeaseOption {
	return func(l *RedisLease) { l.ttl = ttl }
}

// WithRenewInterval sets how often Run campaigns. It must be below the TTL.
func WithRenewInterval(d time.Duration) LeaseOption {
	return func(l *RedisLease) { l.renew = d }
}

// WithLogger sets the lease logger.
func WithLogger(logger *zap.Logger) LeaseOption {
	return func(l *RedisLease) { l.logger = logger }
}

// NewRedisLease creates a lease elector on client. Defaults: 15s TTL renewed every 5s.
func NewRedisLease(client *redis.Client, opts ...LeaseOption) *RedisLease {
	l := &RedisLease{
		client:    client,
		node:      uuid.NewString(),
		prefix:    "jobflow:",
		ttl:       15 * time.Second,
		renew:     5 * time.Second,
		startedAt: time.Now(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "leader_lease"), zap.String("node", l.node))
	return l
}

// Node returns this node's identity.
func (l *RedisLease) Node() string { return l.node }

func (l *RedisLease) leaderKey() string { return l.prefix + "leader" }

func (l *RedisLease) peerKey(node string) string { return l.prefix + "peer:" + node }

// Campaign announces this node and acquires or renews the lease. It reports
// whether this node leads afterwards. A leader that cannot reach Redis steps
// down once a full TTL has passed since its last successful renewal.
func (l *RedisLease) Campaign(ctx context.Context) (bool, error) {
	if err := l.announce(ctx); err != nil {
		return l.expire(), err
	}

	ttl := l.ttl.Milliseconds()
	if l.leader.Load() {
		kept, err := renewScript.Run(ctx, l.client, []string{l.leaderKey()}, l.node, ttl).Int()
		if err != nil {
			return l.expire(), fmt.Errorf("failed to renew lease: %w", err)
		}
		if kept == 1 {
			l.renewedAt.Store(time.Now().UnixNano())
			return true, nil
		}
		l.leader.Store(false)
		l.logger.Warn("lost leadership")
	}

	acquired, err := l.client.SetNX(ctx, l.leaderKey(), l.node, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if acquired {
		l.renewedAt.Store(time.Now().UnixNano())
		l.leader.Store(true)
		l.logger.Info("acquired leadership")
	}
	return acquired, nil
}

// expire drops leadership when the lease has outlived its TTL unrenewed and
// reports whether this node still leads.
func (l *RedisLease) expire() bool {
	if !l.leader.Load() {
		return false
	}
	if time.Since(time.Unix(0, l.renewedAt.Load())) < l.ttl {
		return true
	}
	if l.leader.CompareAndSwap(true, false) {
		l.logger.Warn("lease expired without renewal, stepping down")
	}
	return false
}

func (l *RedisLease) announce(ctx context.Context) error {
	data, err := json.Marshal(Peer{Node: l.node, StartedAt: l.startedAt})
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.peerKey(l.node), data, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to announce peer: %w", err)
	}
	return nil
}

// Run campaigns every renew interval until ctx is done, then resigns.
func (l *RedisLease) Run(ctx context.Context) error {
	if _, err := l.Campaign(ctx); err != nil {
		l.logger.Error("campaign failed", zap.Error(err))
	}
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return l.Resign(resignCtx)
		case <-ticker.C:
			if _, err := l.Campaign(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("campaign failed", zap.Error(err))
			}
		}
	}
}

// Resign releases the lease if held and withdraws the peer announcement.
func (l *RedisLease) Resign(ctx context.Context) error {
	wasLeader := l.leader.Swap(false)
	if wasLeader {
		if err := resignScript.Run(ctx, l.client, []string{l.leaderKey()}, l.node).Err(); err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		l.logger.Info("resigned leadership")
	}
	return l.client.Del(ctx, l.peerKey(l.node)).Err()
}

// IsLeader reports the outcome of the last campaign.
func (l *RedisLease) IsLeader() bool { return l.leader.Load() }

// LeaderNode returns the current lease holder.
func (l *RedisLease) LeaderNode(ctx context.Context) (string, error) {
	node, err := l.client.Get(ctx, l.leaderKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoLeader
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease: %w", err)
	}
	return node, nil
}

// Peers lists announced nodes, sorted by node id.
func (l *RedisLease) Peers(ctx context.Context) ([]Peer, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := l.client.Scan(ctx, cursor, l.prefix+"peer:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan peers: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}

	leader, err := l.LeaderNode(ctx)
	if err != nil && !errors.Is(err, ErrNoLeader) {
		return nil, err
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load peers: %w", err)
	}
	peers := make([]Peer, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p Peer
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode peer %s: %w", strings.TrimPrefix(keys[i], l.prefix), err)
		}
		p.IsLeader = p.Node == leader
		peers = append(peers, p)
	}
	sortPeers(peers)
	return peers, nil
}
