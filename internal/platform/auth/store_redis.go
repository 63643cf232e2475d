package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces pending authorization keys.
const DefaultRedisPrefix = "fhir-import:oauth-state"

// redisCmdable is the subset of redis.Cmdable the store needs. *redis.Client,
// *redis.ClusterClient and test fakes all satisfy it.
type redisCmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStateStore keeps pending authorizations in Redis with a native TTL,
// so a callback handled by another process can still finish the flow.
type RedisStateStore struct {
	rdb    redisCmdable
	prefix string
}

// NewRedisStateStore wraps a Redis client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStateStore(rdb redisCmdable, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and verifies the server responds.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStateStore) key(state string) string {
	return s.prefix + ":" + state
}

func (s *RedisStateStore) Save(ctx context.Context, p *PendingAuthorization, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(p.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("save pending authorization: %w", err)
	}
	return nil
}

// Consume uses GETDEL so two callbacks racing on one state cannot both
// succeed.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.rdb.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume pending authorization: %w", err)
	}

	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &p, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, state string) error {
	if err := s.rdb.Del(ctx, s.key(state)).Err(); err != nil {
		return fmt.Errorf("delete pending authorization: %w", err)
	}
	return nil
}
