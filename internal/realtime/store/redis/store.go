// Package redis provides a Redis-backed shared store implementation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/courier/internal/platform/timeouts"
	"github.com/louisbranch/courier/internal/realtime/store"
)

// Store implements store.Shared on a Redis client. Batches run through a
// transactional pipeline so concurrent readers on any instance observe
// either none or all of a batch's ops.
type Store struct {
	client *goredis.Client
	opTTL  time.Duration
}

// Open connects to Redis using a redis:// URL and verifies the connection.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client, opTTL: timeouts.StoreOp}, nil
}

// NewWithClient wraps an existing Redis client, for composition in tests
// against a miniredis or shared pool.
func NewWithClient(client *goredis.Client) *Store {
	return &Store{client: client, opTTL: timeouts.StoreOp}
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Value reads one value key.
func (s *Store) Value(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, unavailable("get %s", key, err)
	}
	return value, true, nil
}

// Values reads many value keys in one MGET.
func (s *Store) Values(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget %d keys", len(keys), err)
	}
	result := make(map[string]string, len(keys))
	for i, item := range raw {
		value, ok := item.(string)
		if !ok {
			continue
		}
		result[keys[i]] = value
	}
	return result, nil
}

// Members lists a set's members.
func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers %s", key, err)
	}
	return members, nil
}

// Apply executes a batch of mutations through one transactional pipeline.
func (s *Store) Apply(ctx context.Context, ops ...store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case store.OpSetValue:
			pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case store.OpDelete:
			pipe.Del(ctx, op.Key)
		case store.OpAddMember:
			pipe.SAdd(ctx, op.Key, op.Member)
			if op.TTL > 0 {
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		case store.OpRemoveMember:
			pipe.SRem(ctx, op.Key, op.Member)
		case store.OpRefresh:
			if op.TTL > 0 {
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return unavailable("apply %d ops", len(ops), err)
	}
	return nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ttl := s.opTTL
	if ttl <= 0 {
		ttl = timeouts.StoreOp
	}
	return context.WithTimeout(ctx, ttl)
}

func unavailable(format string, arg any, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, fmt.Sprintf(format, arg), err)
}
