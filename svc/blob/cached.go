package blob

import (
	"context"
	"stashbin/metrics"
	"stashbin/svc/cache"
	"stashbin/svc/util"
	"time"

	"golang.org/x/sync/singleflight"
)

// Blobs larger than this skip the in-process cache.
const maxLRUItemSize = 1 << 20

// SharedCache is a cache visible to every instance, normally Redis.
type SharedCache interface {
	GetBlob(ctx context.Context, ref string) ([]byte, bool, error)
	CacheBlob(ctx context.Context, ref string, data []byte, ttl time.Duration) error
	DeleteBlob(ctx context.Context, ref string) error
}

// Evictions fans cache evictions out to every instance, normally over Redis
// pub/sub.
type Evictions interface {
	PublishEviction(ctx context.Context, ref string) error
	SubscribeEvictions(ctx context.Context, fn func(ref string)) error
}

// Cached serves blob reads from memory, then the shared cache, then the
// backing store. Refs are never reused, so a cached entry can only ever hold
// the bytes originally written under that ref.
type Cached struct {
	Store
	lru    *cache.LRU
	shared SharedCache
	ttl    time.Duration
	group  singleflight.Group
	ev     Evictions
}

// NewCached wraps inner. lru and shared may be nil.
func NewCached(inner Store, lru *cache.LRU, shared SharedCache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{Store: inner, lru: lru, shared: shared, ttl: ttl}
}

// WithEvictions makes Delete announce removed refs so other instances drop
// them from their in-process caches.
func (c *Cached) WithEvictions(ev Evictions) *Cached {
	c.ev = ev
	return c
}

// ListenEvictions evicts refs deleted by any instance from the in-process
// cache. It blocks until ctx is done.
func (c *Cached) ListenEvictions(ctx context.Context) error {
	if c.ev == nil || c.lru == nil {
		<-ctx.Done()
		return nil
	}
	return c.ev.SubscribeEvictions(ctx, func(ref string) {
		c.lru.Delete(ref)
	})
}
func (c *Cached) Get(ctx context.Context, ref string) ([]byte, error) {
	if c.lru != nil {
		if data, ok := c.lru.Get(ref); ok {
			metrics.BlobCacheHits.WithLabelValues("lru").Inc()
			return data, nil
		}
	}
	if c.shared != nil {
		data, ok, err := c.shared.GetBlob(ctx, ref)
		if err != nil {
			util.Warn().Err(err).Msg("shared blob cache read failed")
		} else if ok {
			metrics.BlobCacheHits.WithLabelValues("redis").Inc()
			c.remember(ref, data)
			return data, nil
		}
	}
	v, err, _ := c.group.Do(ref, func() (interface{}, error) {
		metrics.BlobCacheMisses.Inc()
		data, err := c.Store.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		c.remember(ref, data)
		if c.shared != nil {
			if err := c.shared.CacheBlob(ctx, ref, data, c.ttl); err != nil {
				util.Warn().Err(err).Msg("shared blob cache write failed")
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
func (c *Cached) remember(ref string, data []byte) {
	if c.lru != nil && len(data) <= maxLRUItemSize {
		c.lru.Set(ref, data, c.ttl)
	}
}

// Delete removes the object and then evicts it from every cache, whatever the
// store reported.
func (c *Cached) Delete(ctx context.Context, ref string) error {
	err := c.Store.Delete(ctx, ref)
	if c.lru != nil {
		c.lru.Delete(ref)
	}
	if c.shared != nil {
		if derr := c.shared.DeleteBlob(ctx, ref); derr != nil {
			util.Warn().Err(derr).Msg("shared blob cache evict failed")
		}
	}
	if c.ev != nil {
		if perr := c.ev.PublishEviction(ctx, ref); perr != nil {
			util.Warn().Err(perr).Msg("blob eviction broadcast failed")
		}
	}
	return err
}
