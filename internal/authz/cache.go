package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheEpochKey      = "authz:epoch"
	cachePermsKeyTmpl  = "authz:perms:%d"
	cacheUserVerKeyTmp = "authz:pver:%d"
)

// putIfCurrent stores the permission set only when neither the global epoch
// nor the user's version moved since the caller captured them. A concurrent
// invalidation therefore wins over an in-flight repopulation.
var putIfCurrent = redis.NewScript(`
local epoch = redis.call('GET', KEYS[1])
if epoch == false then epoch = '0' end
local ver = redis.call('GET', KEYS[2])
if ver == false then ver = '0' end
if epoch ~= ARGV[1] or ver ~= ARGV[2] then
  return 0
end
redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
return 1
`)

// CacheVersion stamps a cache entry: the global epoch (bumped on catalog or
// graph structural changes) and the per-user version (bumped on any mutation
// affecting that user).
type CacheVersion struct {
	Epoch int64
	User  int64
}

// Cache memoizes resolved permission sets per user in Redis. Explicit
// invalidation is the correctness mechanism; the TTL is only a backstop
// against missed invalidations.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCache constructs a permission cache with the given entry TTL.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

type cacheEntry struct {
	Epoch     int64    `json:"epoch"`
	UserVer   int64    `json:"user_ver"`
	Codenames []string `json:"codenames"`
}

// Get returns the cached permission set for a user, or ok=false on a miss.
// Entries written under a stale epoch or user version count as misses.
func (c *Cache) Get(ctx context.Context, userID int64) ([]string, bool, error) {
	pipe := c.client.Pipeline()
	permsCmd := pipe.Get(ctx, permsKey(userID))
	epochCmd := pipe.Get(ctx, cacheEpochKey)
	verCmd := pipe.Get(ctx, userVerKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("authz: cache get: %w", err)
	}
	raw, err := permsCmd.Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("authz: cache get: %w", err)
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, nil
	}
	if entry.Epoch != intResult(epochCmd) || entry.UserVer != intResult(verCmd) {
		return nil, false, nil
	}
	if entry.Codenames == nil {
		entry.Codenames = []string{}
	}
	return entry.Codenames, true, nil
}

// Version captures the current version stamp for a user. Callers capture it
// before computing a permission set and pass it back to Put.
func (c *Cache) Version(ctx context.Context, userID int64) (CacheVersion, error) {
	pipe := c.client.Pipeline()
	epochCmd := pipe.Get(ctx, cacheEpochKey)
	verCmd := pipe.Get(ctx, userVerKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return CacheVersion{}, fmt.Errorf("authz: cache version: %w", err)
	}
	return CacheVersion{Epoch: intResult(epochCmd), User: intResult(verCmd)}, nil
}

// Put stores a permission set stamped with the captured version. It is a
// no-op when the version moved since capture.
func (c *Cache) Put(ctx context.Context, userID int64, codenames []string, version CacheVersion) error {
	entry := cacheEntry{Epoch: version.Epoch, UserVer: version.User, Codenames: codenames}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("authz: cache put: %w", err)
	}
	keys := []string{cacheEpochKey, userVerKey(userID), permsKey(userID)}
	args := []any{
		strconv.FormatInt(version.Epoch, 10),
		strconv.FormatInt(version.User, 10),
		string(payload),
		strconv.FormatInt(c.ttl.Milliseconds(), 10),
	}
	if err := putIfCurrent.Run(ctx, c.client, keys, args...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("authz: cache put: %w", err)
	}
	return nil
}

// Invalidate drops a user's entry and bumps their version so any in-flight
// repopulation computed against the old state cannot land. It must complete
// before the mutating call that triggered it returns.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, userVerKey(userID))
	pipe.Del(ctx, permsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("authz: cache invalidate: %w", err)
	}
	return nil
}

// InvalidateAll bumps the global epoch, invalidating every user's entry at
// once. Used only for catalog and role graph structural changes.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, cacheEpochKey).Err(); err != nil {
		return fmt.Errorf("authz: cache invalidate all: %w", err)
	}
	return nil
}

func permsKey(userID int64) string {
	return fmt.Sprintf(cachePermsKeyTmpl, userID)
}

func userVerKey(userID int64) string {
	return fmt.Sprintf(cacheUserVerKeyTmp, userID)
}

func intResult(cmd *redis.StringCmd) int64 {
	raw, err := cmd.Result()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
