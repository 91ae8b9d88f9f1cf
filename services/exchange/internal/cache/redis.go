// Package cache keeps rendered funding summaries between reads. Writes to a
// transaction invalidate its entry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "currency:summary:"

type RedisSummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(client *redis.Client, ttl time.Duration, prefix string) *RedisSummaryCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSummaryCache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

func (c *RedisSummaryCache) key(id uuid.UUID) string {
	return c.prefix + id.String()
}

func (c *RedisSummaryCache) Get(ctx context.Context, transactionID uuid.UUID) (*funding.Summary, bool, error) {
	raw, err := c.client.Get(ctx, c.key(transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var summary funding.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, false, fmt.Errorf("decode cached summary: %w", err)
	}
	return &summary, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, summary *funding.Summary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return c.client.Set(ctx, c.key(summary.TransactionID), raw, c.ttl).Err()
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, transactionID uuid.UUID) error {
	return c.client.Del(ctx, c.key(transactionID)).Err()
}

func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
