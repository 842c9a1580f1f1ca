// Package revocation keeps ids of session tokens that were ended by logout
// before their natural expiry.
package revocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "merneats:revoked:"

// Memory is an in-process denylist. Entries are dropped once their token expires.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an empty in-process denylist.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke marks tokenID as revoked until the given time.
func (m *Memory) Revoke(_ context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !until.After(now) {
		return nil
	}
	m.entries[tokenID] = until
	m.evictExpired(now)

	return nil
}

// IsRevoked reports whether tokenID is on the list.
func (m *Memory) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !until.After(m.now()) {
		delete(m.entries, tokenID)
		return false, nil
	}

	return true, nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(m.now())

	return len(m.entries)
}

func (m *Memory) evictExpired(now time.Time) {
	for tokenID, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, tokenID)
		}
	}
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a denylist shared between instances. Keys expire together with
// the tokens they describe.
type Redis struct {
	client redisClient
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client redisClient) *Redis {
	return &Redis{
		client: client,
		now:    time.Now,
	}
}

// NewRedisFromURL connects to the server described by a redis:// URL and pings it.
func NewRedisFromURL(ctx context.Context, url string) (*Redis, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("in internal/revocation/revocation.go/NewRedisFromURL(): error while `redis.ParseURL()` calling: %w", err)
	}

	client := redis.NewClient(options)
	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("in internal/revocation/revocation.go/NewRedisFromURL(): error while `client.Ping()` calling: %w", err)
	}

	return NewRedis(client), client, nil
}

// Revoke stores tokenID with a TTL reaching the token's expiry.
func (r *Redis) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	err := r.client.Set(ctx, redisKeyPrefix+tokenID, 1, ttl).Err()
	if err != nil {
		return fmt.Errorf("in internal/revocation/revocation.go/Revoke(): error while `r.client.Set()` calling: %w", err)
	}

	return nil
}

// IsRevoked reports whether tokenID is on the list.
func (r *Redis) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	count, err := r.client.Exists(ctx, redisKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("in internal/revocation/revocation.go/IsRevoked(): error while `r.client.Exists()` calling: %w", err)
	}

	return count > 0, nil
}
