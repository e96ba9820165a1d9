package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SessionCache = (*SessionCache)(nil)

const (
	// Key prefixes for Redis
	cacheEntryPrefix    = "brokerlink:cache:"
	cacheRevisionPrefix = "brokerlink:cache:rev:"

	// cacheTTL bounds how long a mirror entry outlives its last write.
	// The authoritative store can always rebuild it.
	cacheTTL = 24 * time.Hour
)

// putScript applies a write only if its revision is newer than the stored
// one, so a slow stale check cannot overwrite a fresher result.
var putScript = redis.NewScript(`
	local cur = tonumber(redis.call("get", KEYS[2]) or "0")
	local new = tonumber(ARGV[2])
	if new <= cur then
		return 0
	end
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
	redis.call("set", KEYS[2], ARGV[2], "PX", ARGV[3])
	return 1
`)

// SessionCache implements driven.SessionCache using Redis, for deployments
// where several instances serve the same client.
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache creates a new Redis-backed SessionCache.
func NewSessionCache(client *redis.Client) *SessionCache {
	return &SessionCache{client: client}
}

// Put stores an entry unless a newer revision is already present.
func (c *SessionCache) Put(ctx context.Context, entry *domain.SessionCacheEntry) (bool, error) {
	data, err := entry.Encode()
	if err != nil {
		return false, err
	}

	keys := []string{
		cacheEntryPrefix + entry.ConnectionID,
		cacheRevisionPrefix + entry.ConnectionID,
	}
	applied, err := putScript.Run(ctx, c.client, keys,
		data,
		strconv.FormatUint(entry.Revision, 10),
		strconv.FormatInt(cacheTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put cache entry: %w", err)
	}
	return applied == 1, nil
}

// Get retrieves the entry for a connection.
func (c *SessionCache) Get(ctx context.Context, connectionID string) (*domain.SessionCacheEntry, error) {
	data, err := c.client.Get(ctx, cacheEntryPrefix+connectionID).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return domain.DecodeSessionCacheEntry(data)
}

// Clear removes the entry for a connection.
func (c *SessionCache) Clear(ctx context.Context, connectionID string) error {
	err := c.client.Del(ctx,
		cacheEntryPrefix+connectionID,
		cacheRevisionPrefix+connectionID,
	).Err()
	if err != nil {
		return fmt.Errorf("clear cache entry: %w", err)
	}
	return nil
}
