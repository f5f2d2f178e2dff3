package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// FlagCache holds flag definitions by key for the direct lookup path.
// A cached nil flag records that the key does not exist.
//
// Fills read by the lookup race with invalidations issued after a write.
// A fill takes a Fence before reading the store and stores through Fill,
// which drops the value when the key was invalidated in between.
type FlagCache interface {
	// Get returns the cached flag and whether the key was present
	Get(ctx context.Context, key string) (*FeatureFlag, bool, error)
	Set(ctx context.Context, key string, flag *FeatureFlag) error
	Fence(ctx context.Context, key string) (Fence, error)
	// Fill stores flag unless key was invalidated after fence was taken
	Fill(ctx context.Context, key string, flag *FeatureFlag, fence Fence) error
	Invalidate(ctx context.Context, key string) error
}

// Fence is a snapshot of a key's invalidation generation in each tier
type Fence struct {
	local  uint64
	shared uint64
}

// Cache tier labels
const (
	TierLRU   = "lru"
	TierRedis = "redis"
)

// LRUCache is an in-process expiring cache
type LRUCache struct {
	cache   *lru.LRU[string, *FeatureFlag]
	metrics *observability.Metrics

	mu   sync.Mutex
	gens map[string]uint64
}

// NewLRUCache creates an in-process cache holding up to size entries for ttl
func NewLRUCache(size int, ttl time.Duration, metrics *observability.Metrics) *LRUCache {
	if size < 1 {
		size = 1
	}
	return &LRUCache{
		cache:   lru.NewLRU[string, *FeatureFlag](size, nil, ttl),
		metrics: metrics,
		gens:    make(map[string]uint64),
	}
}

// Get implements FlagCache
func (c *LRUCache) Get(_ context.Context, key string) (*FeatureFlag, bool, error) {
	flag, ok := c.cache.Get(key)
	c.metrics.RecordCacheResult(TierLRU, ok)
	return flag, ok, nil
}

// Set implements FlagCache
func (c *LRUCache) Set(_ context.Context, key string, flag *FeatureFlag) error {
	c.cache.Add(key, flag.Clone())
	return nil
}

// Fence implements FlagCache
func (c *LRUCache) Fence(_ context.Context, key string) (Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Fence{local: c.gens[key]}, nil
}

// Fill implements FlagCache
func (c *LRUCache) Fill(_ context.Context, key string, flag *FeatureFlag, fence Fence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] == fence.local {
		c.cache.Add(key, flag.Clone())
	}
	return nil
}

// Invalidate implements FlagCache
func (c *LRUCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.cache.Remove(key)
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Redis keys and channels
const (
	RedisKeyPrefix           = "console:flag:"
	RedisGenerationPrefix    = "console:flaggen:"
	RedisInvalidationChannel = "console:flag:invalidate"
)

// generationTTL bounds how long an idle key's generation counter is kept.
// It only has to outlive the slowest fill.
const generationTTL = 24 * time.Hour

// RedisCache is a cache shared between console replicas. Invalidations are
// published so replicas can drop their in-process copies.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewRedisCache creates a shared cache with the given entry TTL
func NewRedisCache(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, metrics: metrics}
}

// Get implements FlagCache
func (c *RedisCache) Get(ctx context.Context, key string) (*FeatureFlag, bool, error) {
	data, err := c.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheResult(TierRedis, false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var flag *FeatureFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		// Treat a corrupt entry as a miss; the next Set overwrites it
		c.metrics.RecordCacheResult(TierRedis, false)
		return nil, false, nil
	}
	c.metrics.RecordCacheResult(TierRedis, true)
	return flag, true, nil
}

// Set implements FlagCache
func (c *RedisCache) Set(ctx context.Context, key string, flag *FeatureFlag) error {
	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("failed to encode flag %s: %w", key, err)
	}
	if err := c.client.Set(ctx, RedisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Fence implements FlagCache
func (c *RedisCache) Fence(ctx context.Context, key string) (Fence, error) {
	gen, err := c.generation(ctx, c.client, key)
	if err != nil {
		return Fence{}, err
	}
	return Fence{shared: gen}, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *RedisCache) generation(ctx context.Context, cmd stringGetter, key string) (uint64, error) {
	gen, err := cmd.Get(ctx, RedisGenerationPrefix+key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation %s: %w", key, err)
	}
	return gen, nil
}

// Fill implements FlagCache. The generation is watched so an invalidation
// landing between the check and the write aborts the write.
func (c *RedisCache) Fill(ctx context.Context, key string, flag *FeatureFlag, fence Fence) error {
	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("failed to encode flag %s: %w", key, err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		gen, err := c.generation(ctx, tx, key)
		if err != nil {
			return err
		}
		if gen != fence.shared {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, RedisKeyPrefix+key, data, c.ttl)
			return nil
		})
		return err
	}, RedisGenerationPrefix+key)

	switch {
	case err == nil, errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		return nil
	default:
		return fmt.Errorf("redis fill %s: %w", key, err)
	}
}

var errStaleFill = errors.New("stale fill")

// Invalidate bumps the key's generation, deletes the entry and announces the
// key on the invalidation channel
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, RedisGenerationPrefix+key)
		pipe.Expire(ctx, RedisGenerationPrefix+key, generationTTL)
		pipe.Del(ctx, RedisKeyPrefix+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate %s: %w", key, err)
	}
	if err := c.client.Publish(ctx, RedisInvalidationChannel, key).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

// Subscribe calls onInvalidate for every key announced on the invalidation
// channel until ctx is done.
func (c *RedisCache) Subscribe(ctx context.Context, onInvalidate func(key string)) error {
	sub := c.client.Subscribe(ctx, RedisInvalidationChannel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reading messages
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			onInvalidate(msg.Payload)
		}
	}
}

// TieredCache puts an in-process LRU in front of a shared cache
type TieredCache struct {
	local  *LRUCache
	shared *RedisCache
}

// NewTieredCache combines local and shared tiers
func NewTieredCache(local *LRUCache, shared *RedisCache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

// Get implements FlagCache. A shared hit is copied into the local tier
// unless the key is invalidated while it is being read.
func (c *TieredCache) Get(ctx context.Context, key string) (*FeatureFlag, bool, error) {
	if flag, ok, _ := c.local.Get(ctx, key); ok {
		return flag, true, nil
	}
	fence, _ := c.local.Fence(ctx, key)
	flag, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Fill(ctx, key, flag, fence)
	return flag, true, nil
}

// Set implements FlagCache
func (c *TieredCache) Set(ctx context.Context, key string, flag *FeatureFlag) error {
	_ = c.local.Set(ctx, key, flag)
	return c.shared.Set(ctx, key, flag)
}

// Fence implements FlagCache
func (c *TieredCache) Fence(ctx context.Context, key string) (Fence, error) {
	local, _ := c.local.Fence(ctx, key)
	shared, err := c.shared.Fence(ctx, key)
	if err != nil {
		return Fence{}, err
	}
	return Fence{local: local.local, shared: shared.shared}, nil
}

// Fill implements FlagCache. The local tier is filled only after the shared
// tier accepted the value.
func (c *TieredCache) Fill(ctx context.Context, key string, flag *FeatureFlag, fence Fence) error {
	if err := c.shared.Fill(ctx, key, flag, fence); err != nil {
		return err
	}
	return c.local.Fill(ctx, key, flag, fence)
}

// Invalidate implements FlagCache. The shared tier goes first so a local
// refill cannot read the old shared entry; the local tier is cleared even
// when the shared tier fails.
func (c *TieredCache) Invalidate(ctx context.Context, key string) error {
	err := c.shared.Invalidate(ctx, key)
	_ = c.local.Invalidate(ctx, key)
	return err
}

// Local returns the in-process tier
func (c *TieredCache) Local() *LRUCache {
	return c.local
}
