package connector

import (
	"context"
	"sync"
	"time"

	platformredis "priorauth/internal/platform/redis"
)

// TokenCache stores payer access tokens and serializes refreshes so a burst
// of auth failures produces one refresh per connector, not a storm.
type TokenCache interface {
	GetToken(ctx context.Context, connectorID string) (string, error)
	SetToken(ctx context.Context, connectorID, token string, ttl time.Duration) error

	// AcquireRefreshLock returns true when this caller owns the refresh
	// for the connector; others wait and re-read the cache.
	AcquireRefreshLock(ctx context.Context, connectorID string, ttl time.Duration) (bool, error)
	ReleaseRefreshLock(ctx context.Context, connectorID string) error
}

// RedisTokenCache is the shared-deployment implementation.
type RedisTokenCache struct {
	client *platformredis.Client
}

func NewRedisTokenCache(client *platformredis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func tokenKey(connectorID string) string { return "connector:token:" + connectorID }
func lockKey(connectorID string) string  { return "connector:refresh-lock:" + connectorID }

func (c *RedisTokenCache) GetToken(ctx context.Context, connectorID string) (string, error) {
	token, err := c.client.Get(ctx, tokenKey(connectorID)).Result()
	if err != nil {
		// A missing key is simply "no cached token".
		return "", nil
	}
	return token, nil
}

func (c *RedisTokenCache) SetToken(ctx context.Context, connectorID, token string, ttl time.Duration) error {
	return c.client.Set(ctx, tokenKey(connectorID), token, ttl).Err()
}

func (c *RedisTokenCache) AcquireRefreshLock(ctx context.Context, connectorID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(connectorID), "1", ttl).Result()
}

func (c *RedisTokenCache) ReleaseRefreshLock(ctx context.Context, connectorID string) error {
	return c.client.Del(ctx, lockKey(connectorID)).Err()
}

// MemoryTokenCache backs tests and single-process deployments.
type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
	locks  map[string]bool
}

type memoryToken struct {
	value   string
	expires time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{
		tokens: make(map[string]memoryToken),
		locks:  make(map[string]bool),
	}
}

func (c *MemoryTokenCache) GetToken(_ context.Context, connectorID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[connectorID]
	if !ok || time.Now().After(t.expires) {
		return "", nil
	}
	return t.value, nil
}

func (c *MemoryTokenCache) SetToken(_ context.Context, connectorID, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[connectorID] = memoryToken{value: token, expires: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryTokenCache) AcquireRefreshLock(_ context.Context, connectorID string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[connectorID] {
		return false, nil
	}
	c.locks[connectorID] = true
	return true, nil
}

func (c *MemoryTokenCache) ReleaseRefreshLock(_ context.Context, connectorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, connectorID)
	return nil
}
