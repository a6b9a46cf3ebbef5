package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxPendingDeletes bounds the keys remembered after failed shared-tier
// deletes. Past it the whole shared tier is treated as suspect.
const maxPendingDeletes = 1024

// MultiLevelCache keeps a process-local tier in front of an optional shared
// redis tier. The redis tier sits behind a circuit breaker: when redis is down
// reads degrade to L1 misses and writes to L1 only.
//
// A shared-tier delete that fails leaves the key pending: reads bypass the
// shared tier for it until FlushPending manages to remove it.
type MultiLevelCache struct {
	l1      *MemoryCache
	l2      *RedisCache
	breaker *CircuitBreaker
	metrics *CacheMetrics
	l1TTL   time.Duration
	logger  *zap.Logger

	// epoch advances on every Delete; SetIfEpoch uses it to detect a
	// delete that raced a read-through fill.
	epoch atomic.Uint64

	// pending maps a key to the mark of its latest failed delete; a
	// non-zero pendingAll is the mark that made the whole tier suspect.
	mu         sync.Mutex
	marks      uint64
	pending    map[string]uint64
	pendingAll uint64
}

type MultiLevelOption func(*MultiLevelCache)

func WithBreaker(cb *CircuitBreaker) MultiLevelOption {
	return func(c *MultiLevelCache) {
		c.breaker = cb
	}
}

// WithL1TTL caps how long an entry lives in the local tier. Other instances'
// writes only reach this instance through invalidation, so the cap bounds
// staleness if an invalidation is lost.
func WithL1TTL(ttl time.Duration) MultiLevelOption {
	return func(c *MultiLevelCache) {
		c.l1TTL = ttl
	}
}

func WithLogger(logger *zap.Logger) MultiLevelOption {
	return func(c *MultiLevelCache) {
		c.logger = logger
	}
}

func NewMultiLevelCache(redisCache *RedisCache, opts ...MultiLevelOption) *MultiLevelCache {
	c := &MultiLevelCache{
		l1:      NewMemoryCache(),
		l2:      redisCache,
		breaker: NewCircuitBreaker(nil),
		metrics: NewCacheMetrics(),
		l1TTL:   5 * time.Minute,
		logger:  zap.NewNop(),
		pending: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MultiLevelCache) localTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.l1TTL {
		return c.l1TTL
	}
	return ttl
}

func (c *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.l1.Set(key, value, c.localTTL(ttl))
	c.metrics.RecordSet()

	if c.l2 == nil {
		return nil
	}
	err := c.breaker.Execute(func() error {
		return c.l2.Set(ctx, key, value, ttl)
	})
	if err != nil {
		c.metrics.RecordError()
		return err
	}
	return nil
}

// Epoch returns the current delete generation.
func (c *MultiLevelCache) Epoch() uint64 {
	return c.epoch.Load()
}

// SetIfEpoch stores value only if no Delete has run since epoch was read. A
// Delete that lands while the write is in flight undoes it. It reports
// whether the value was kept.
func (c *MultiLevelCache) SetIfEpoch(ctx context.Context, key string, value interface{}, ttl time.Duration, epoch uint64) (bool, error) {
	if c.epoch.Load() != epoch {
		return false, nil
	}
	err := c.Set(ctx, key, value, ttl)
	if c.epoch.Load() != epoch {
		c.evict(ctx, []string{key})
		return false, nil
	}
	return err == nil, err
}

func (c *MultiLevelCache) Get(ctx context.Context, key string, dest interface{}) error {
	if value, found := c.l1.Get(key); found {
		c.metrics.RecordHit()
		return copyValue(value, dest)
	}

	if c.l2 == nil || c.isPending(key) {
		c.metrics.RecordMiss()
		return ErrCacheMiss
	}

	epoch := c.epoch.Load()

	err := c.breaker.Execute(func() error {
		return c.l2.Get(ctx, key, dest)
	})
	switch {
	case err == nil:
		c.metrics.RecordHit()
		c.l1.Set(key, reflect.ValueOf(dest).Elem().Interface(), c.l1TTL)
		if c.epoch.Load() != epoch {
			c.l1.Delete(key)
		}
		return nil
	case errors.Is(err, ErrCacheMiss):
		c.metrics.RecordMiss()
		return ErrCacheMiss
	default:
		c.metrics.RecordError()
		c.logger.Debug("redis tier unavailable, treating as miss", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCacheDown, err)
	}
}

// Delete removes keys from both tiers. The local tier is always cleared; a
// shared-tier failure is returned and the keys stay pending.
func (c *MultiLevelCache) Delete(ctx context.Context, keys ...string) error {
	c.epoch.Add(1)
	c.metrics.RecordDelete()
	return c.evict(ctx, keys)
}

func (c *MultiLevelCache) evict(ctx context.Context, keys []string) error {
	for _, key := range keys {
		c.l1.Delete(key)
	}
	if c.l2 == nil || len(keys) == 0 {
		return nil
	}

	err := c.breaker.Execute(func() error {
		return c.l2.Delete(ctx, keys...)
	})
	if err != nil {
		c.metrics.RecordError()
		c.markPending(keys)
		return err
	}
	return nil
}

func (c *MultiLevelCache) markPending(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.marks++
	mark := c.marks
	if c.pendingAll != 0 {
		c.pendingAll = mark
		return
	}
	for _, key := range keys {
		c.pending[key] = mark
	}
	if len(c.pending) > maxPendingDeletes {
		c.pending = make(map[string]uint64)
		c.pendingAll = mark
	}
}

func (c *MultiLevelCache) isPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingAll != 0 {
		return true
	}
	_, ok := c.pending[key]
	return ok
}

// PendingDeletes reports how many keys await a shared-tier delete, and
// whether the whole shared tier is suspect.
func (c *MultiLevelCache) PendingDeletes() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), c.pendingAll != 0
}

// FlushPending retries the shared-tier deletes that failed earlier. Keys
// marked again while the retry ran stay pending.
func (c *MultiLevelCache) FlushPending(ctx context.Context) error {
	if c.l2 == nil {
		return nil
	}

	c.mu.Lock()
	all := c.pendingAll
	snapshot := make(map[string]uint64, len(c.pending))
	for key, mark := range c.pending {
		snapshot[key] = mark
	}
	c.mu.Unlock()

	if all == 0 && len(snapshot) == 0 {
		return nil
	}

	err := c.breaker.Execute(func() error {
		if all != 0 {
			return c.l2.DeletePattern(ctx, "*")
		}
		keys := make([]string, 0, len(snapshot))
		for key := range snapshot {
			keys = append(keys, key)
		}
		return c.l2.Delete(ctx, keys...)
	})
	if err != nil {
		c.metrics.RecordError()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if all != 0 && c.pendingAll == all {
		c.pendingAll = 0
	}
	for key, mark := range snapshot {
		if c.pending[key] == mark {
			delete(c.pending, key)
		}
	}
	return nil
}

// RunMaintenance sweeps expired local entries and retries pending deletes
// every interval until stop is closed.
func (c *MultiLevelCache) RunMaintenance(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.l1.Sweep()
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := c.FlushPending(ctx); err != nil {
				c.logger.Debug("pending cache deletes still failing", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *MultiLevelCache) Stats() map[string]interface{} {
	result := c.metrics.Snapshot()
	result["l1"] = c.l1.Stats()

	if c.l2 != nil {
		result["l2"] = c.l2.Stats()
		result["breaker"] = c.breaker.GetStats()
		pending, all := c.PendingDeletes()
		result["pending_deletes"] = pending
		result["pending_all"] = all
	}
	return result
}

func (c *MultiLevelCache) Health(ctx context.Context) error {
	if c.l2 != nil {
		return c.l2.Health(ctx)
	}
	return nil
}

func (c *MultiLevelCache) Close() error {
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}

func copyValue(src, dest interface{}) error {
	destValue := reflect.ValueOf(dest)
	if destValue.Kind() != reflect.Ptr {
		return fmt.Errorf("destination must be a pointer, got %T", dest)
	}
	if destValue.IsNil() {
		return fmt.Errorf("destination pointer is nil")
	}
	return copyValueViaJSON(src, dest)
}

// copyValueViaJSON deep-copies so callers never share slices or maps with
// the local tier.
func copyValueViaJSON(src, dest interface{}) error {
	jsonData, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal source value: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal to destination: %w", err)
	}
	return nil
}
