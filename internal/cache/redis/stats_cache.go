package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// StatsCache implements domain.StatsCache.
//
// Key schema:
//
//	stats:{days}   - hash with field "data" holding the JSON MarketStats
//	stats:windows  - set of cached stats keys, for Invalidate
type StatsCache struct {
	rdb *redis.Client
}

const statsWindowsKey = "stats:windows"

// NewStatsCache creates a StatsCache backed by c.
func NewStatsCache(c *Client) *StatsCache {
	return &StatsCache{rdb: c.Underlying()}
}

func statsKey(days int) string { return "stats:" + strconv.Itoa(days) }

// GetStats returns cached stats for the window, or domain.ErrNotFound.
func (sc *StatsCache) GetStats(ctx context.Context, days int) (domain.MarketStats, error) {
	data, err := sc.rdb.HGet(ctx, statsKey(days), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketStats{}, domain.ErrNotFound
		}
		return domain.MarketStats{}, fmt.Errorf("redis: get stats %d: %w", days, err)
	}

	var s domain.MarketStats
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.MarketStats{}, fmt.Errorf("redis: unmarshal stats %d: %w", days, err)
	}
	return s, nil
}

// SetStats caches s for ttl.
func (sc *StatsCache) SetStats(ctx context.Context, days int, s domain.MarketStats, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal stats %d: %w", days, err)
	}

	key := statsKey(days)
	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, statsWindowsKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set stats %d: %w", days, err)
	}
	return nil
}

// Invalidate drops every cached window. The coordinator calls it when a
// purchase reaches a terminal state.
func (sc *StatsCache) Invalidate(ctx context.Context) error {
	keys, err := sc.rdb.SMembers(ctx, statsWindowsKey).Result()
	if err != nil {
		return fmt.Errorf("redis: invalidate stats: %w", err)
	}

	pipe := sc.rdb.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, statsWindowsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate stats: %w", err)
	}
	return nil
}

var _ domain.StatsCache = (*StatsCache)(nil)
