package market

import (
	"context"
	"encoding/json"
	"fmt"
	"errors"
	"strings"
	"time"

	"autotrader/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisTier stores windows in Redis under "<namespace>:<symbol>:<interval>:<count>".
// Writes are best effort; a corrupted payload is deleted and treated as a miss.
type RedisTier struct {
	rdb       *redis.Client
	namespace string
	log       logger.Component
}

func NewRedisTier(rdb *redis.Client, namespace string) *RedisTier {
	if namespace == "" {
		namespace = "klines"
	}
	return &RedisTier{rdb: rdb, namespace: namespace, log: logger.For("market-cache")}
}

func (r *RedisTier) Load(ctx context.Context, key CacheKey) (MarketWindow, bool) {
	if r == nil || r.rdb == nil {
		return MarketWindow{}, false
	}
	k := r.key(key)
	b, err := r.rdb.Get(ctx, k).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warnf("redis get %s failed, falling back to upstream: %v", k, err)
		}
		return MarketWindow{}, false
	}
	if len(b) == 0 {
		return MarketWindow{}, false
	}
	var w MarketWindow
	if err := json.Unmarshal(b, &w); err != nil {
		r.log.Warnf("redis payload %s corrupted, dropping: %v", k, err)
		if err := r.rdb.Del(ctx, k).Err(); err != nil {
			r.log.Warnf("redis del %s failed: %v", k, err)
		}
		return MarketWindow{}, false
	}
	return w, true
}

func (r *RedisTier) Store(ctx context.Context, key CacheKey, w MarketWindow, ttl time.Duration) {
	if r == nil || r.rdb == nil || ttl <= 0 {
		return
	}
	b, err := json.Marshal(w)
	if err != nil {
		r.log.Warnf("encode window %s failed: %v", key, err)
		return
	}
	if err := r.rdb.Set(ctx, r.key(key), b, ttl).Err(); err != nil {
		r.log.Warnf("redis set %s failed: %v", r.key(key), err)
		return
	}
	r.log.Debugf("stored %s ttl=%s", r.key(key), ttl)
}

func (r *RedisTier) key(k CacheKey) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.namespace, safeKeyPart(strings.ToUpper(k.Symbol)), safeKeyPart(strings.ToLower(k.Interval)), k.Count)
}

func safeKeyPart(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, ":", "_")
}
