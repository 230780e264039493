package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autotrader/internal/logger"

	"golang.org/x/sync/singleflight"
)

// CacheKey identifies one OHLCV query.
type CacheKey struct {
	Symbol   string
	Interval string
	Count    int
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToUpper(k.Symbol), strings.ToLower(k.Interval), k.Count)
}

// FetchFunc loads a fresh window from upstream.
type FetchFunc func(ctx context.Context) (MarketWindow, error)

// SecondTier is an optional shared cache consulted after the in-process map.
// It may hold entries of any age; the cache enforces TTL on what it returns.
type SecondTier interface {
	Load(ctx context.Context, key CacheKey) (MarketWindow, bool)
	Store(ctx context.Context, key CacheKey, w MarketWindow, ttl time.Duration)
}

type cacheEntry struct {
	window    MarketWindow
	fetchedAt time.Time
}

// Cache memoizes market windows for a short TTL and coalesces concurrent
// misses on the same key into a single upstream fetch.
type Cache struct {
	ttl   time.Duration
	nowFn func() time.Time
	tier  SecondTier

	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
	group   singleflight.Group
	log     logger.Component
}

type CacheOption func(*Cache)

func WithSecondTier(t SecondTier) CacheOption {
	return func(c *Cache) { c.tier = t }
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[CacheKey]cacheEntry),
		log:     logger.For("market-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrFetch serves a window younger than TTL or fetches a new one. A failed
// fetch leaves no entry behind and its error is returned to every waiter.
func (c *Cache) GetOrFetch(ctx context.Context, symbol, interval string, count int, fetch FetchFunc) (MarketWindow, error) {
	key := CacheKey{Symbol: symbol, Interval: interval, Count: count}
	if w, ok := c.lookup(key); ok {
		return w, nil
	}
	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(key.String(), func() (any, error) {
			return c.fill(ctx, key, fetch)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return MarketWindow{}, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			// 合并请求的发起者被取消时，自己的 ctx 仍有效就重新发起一次
			if attempt == 0 && res.Shared && ctx.Err() == nil && isContextErr(res.Err) {
				c.log.Debugf("coalesced fetch key=%s cancelled by its leader, refetching", key)
				continue
			}
			return MarketWindow{}, res.Err
		}
		if res.Shared {
			c.log.Debugf("coalesced fetch key=%s", key)
		}
		return res.Val.(MarketWindow).Clone(), nil
	}
}

func (c *Cache) fill(ctx context.Context, key CacheKey, fetch FetchFunc) (MarketWindow, error) {
	if w, ok := c.lookup(key); ok {
		return w, nil
	}
	if w, ok := c.loadSecondTier(ctx, key); ok {
		return w, nil
	}
	w, err := fetch(ctx)
	if err != nil {
		return MarketWindow{}, err
	}
	fetchedAt := c.nowFn()
	w.FetchedAt = fetchedAt
	c.mu.Lock()
	c.entries[key] = cacheEntry{window: w.Clone(), fetchedAt: fetchedAt}
	c.mu.Unlock()
	if c.tier != nil {
		c.tier.Store(ctx, key, w, c.ttl)
	}
	return w, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) lookup(key CacheKey) (MarketWindow, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.fresh(e.fetchedAt) {
		return MarketWindow{}, false
	}
	return e.window.Clone(), true
}

func (c *Cache) loadSecondTier(ctx context.Context, key CacheKey) (MarketWindow, bool) {
	if c.tier == nil {
		return MarketWindow{}, false
	}
	w, ok := c.tier.Load(ctx, key)
	if !ok || w.FetchedAt.IsZero() || !c.fresh(w.FetchedAt) {
		return MarketWindow{}, false
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{window: w.Clone(), fetchedAt: w.FetchedAt}
	c.mu.Unlock()
	return w, true
}

func (c *Cache) fresh(fetchedAt time.Time) bool {
	return c.nowFn().Sub(fetchedAt) < c.ttl
}

// Purge drops expired entries; the cycle calls it opportunistically.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !c.fresh(e.fetchedAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
