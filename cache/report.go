// Package cache keeps finished daily reports in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/booking-engine/report"
)

const keyPattern = "report:daily:*"

// Reports is a report.Cache over Redis. A nil client or a non-positive TTL
// turns every call into a no-op.
type Reports struct {
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

var _ report.Cache = (*Reports)(nil)

func NewReports(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Reports {
	return &Reports{redis: client, ttl: ttl, log: log}
}

func (c *Reports) enabled() bool {
	return c != nil && c.redis != nil && c.ttl > 0
}

func (c *Reports) Load(ctx context.Context, key string) (*report.DailyReport, bool) {
	if !c.enabled() {
		return nil, false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("report cache read failed")
		}
		return nil, false
	}
	var r report.DailyReport
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *Reports) Save(ctx context.Context, key string, r *report.DailyReport) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("report cache write failed")
	}
}

// Invalidate deletes every cached daily report.
func (c *Reports) Invalidate(ctx context.Context) {
	if !c.enabled() {
		return
	}
	iter := c.redis.Scan(ctx, 0, keyPattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn().Err(err).Msg("report cache scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Msg("report cache invalidate failed")
	}
}
