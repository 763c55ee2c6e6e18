package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix     = "cqrs:"
	tagPrefix     = "cqrs:tag:"
	versionPrefix = "cqrs:tagver:"

	// versionTTL must exceed any entry TTL by a wide margin; a version key
	// expiring while a dependent entry still lives would resurrect it.
	versionTTL = 24 * time.Hour
)

// invalidateScript deletes every entry carrying a tag together with the tag
// set itself, and bumps the tag's version, in one atomic step. A concurrent
// Get observes either the full entry or a miss, and a write keyed to the old
// version can never be read again.
var invalidateScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, key in ipairs(members) do
	removed = removed + redis.call('DEL', key)
end
redis.call('DEL', KEYS[1])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[1])
return removed
`)

// Tagged is a redis-backed, tag-indexed cache for materialized query
// results. Every entry records the entity tags it depends on; invalidating a
// tag removes all dependent entries at once.
type Tagged struct {
	client *redis.Client
	log    zerolog.Logger
	stats  struct {
		hits          atomic.Int64
		misses        atomic.Int64
		sets          atomic.Int64
		invalidations atomic.Int64
	}
}

func NewTagged(client *redis.Client, log zerolog.Logger) *Tagged {
	return &Tagged{client: client, log: log}
}

// Put stores a value under the key, indexed by its tags, with the given TTL.
func (c *Tagged) Put(ctx context.Context, key string, value any, tags []string, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+key, data, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagPrefix+tag, keyPrefix+key)
		// Tag sets outlive their entries slightly; stale members are
		// harmless because DEL of a gone key is a no-op.
		pipe.Expire(ctx, tagPrefix+tag, ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	c.stats.sets.Add(1)
	return nil
}

// Get returns the raw cached value and whether it was present. Expired or
// invalidated entries are reported as a miss, never returned.
func (c *Tagged) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.stats.misses.Add(1)
		return nil, false, fmt.Errorf("cache get failed: %w", err)
	}
	c.stats.hits.Add(1)
	return json.RawMessage(data), true, nil
}

// VersionedKey folds the current versions of the given tags into the storage
// key. Callers resolve the key once before computing a result and store under
// that same key; an invalidation landing in between bumps a version, so the
// stale write parks under a key no future read resolves to.
func (c *Tagged) VersionedKey(ctx context.Context, key string, tags []string) (string, error) {
	if len(tags) == 0 {
		return key, nil
	}
	versionKeys := make([]string, len(tags))
	for i, tag := range tags {
		versionKeys[i] = versionPrefix + tag
	}
	versions, err := c.client.MGet(ctx, versionKeys...).Result()
	if err != nil {
		return "", fmt.Errorf("tag version read failed: %w", err)
	}

	k := key
	for _, v := range versions {
		if s, ok := v.(string); ok {
			k += "@" + s
		} else {
			k += "@0"
		}
	}
	return k, nil
}

// InvalidateTag atomically removes every entry carrying the tag and bumps the
// tag's version. It returns the number of entries removed.
func (c *Tagged) InvalidateTag(ctx context.Context, tag string) (int, error) {
	removed, err := invalidateScript.Run(ctx, c.client,
		[]string{tagPrefix + tag, versionPrefix + tag}, int(versionTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("tag invalidation failed: %w", err)
	}
	c.stats.invalidations.Add(1)
	if removed > 0 {
		c.log.Debug().Str("tag", tag).Int("entries", removed).Msg("cache tag invalidated")
	}
	return removed, nil
}

// Stats reports hit/miss counters for the admin surface.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Invalidations int64 `json:"invalidations"`
}

func (c *Tagged) Stats() Stats {
	return Stats{
		Hits:          c.stats.hits.Load(),
		Misses:        c.stats.misses.Load(),
		Sets:          c.stats.sets.Load(),
		Invalidations: c.stats.invalidations.Load(),
	}
}
