package cache

import (
	"context"
	"testing"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func testSummary() *funding.Summary {
	return &funding.Summary{
		TransactionID:     uuid.New(),
		Status:            funding.StatusFullyFunded,
		Total:             decimal.RequireFromString("150"),
		TotalFunded:       decimal.RequireFromString("150"),
		FundingPercentage: decimal.RequireFromString("100"),
		CostRate:          decimal.RequireFromString("35.3333333333"),
		Lots: []funding.LotUsage{{
			LotID:      uuid.New(),
			LotCode:    "COM-001",
			AmountUsed: decimal.RequireFromString("150"),
			RateUsed:   decimal.RequireFromString("35.3333333333"),
			Percentage: decimal.RequireFromString("100"),
		}},
	}
}

func TestRedisSummaryCacheRoundTripAndExpiry(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	c := NewRedis(client, time.Minute, "test:")
	ctx := context.Background()
	summary := testSummary()

	if _, ok, err := c.Get(ctx, summary.TransactionID); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, summary); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !s.Exists("test:" + summary.TransactionID.String()) {
		t.Fatalf("expected prefixed key")
	}

	got, ok, err := c.Get(ctx, summary.TransactionID)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !got.CostRate.Equal(summary.CostRate) || got.Lots[0].LotCode != "COM-001" || got.Status != funding.StatusFullyFunded {
		t.Fatalf("unexpected cached summary %+v", got)
	}

	s.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, summary.TransactionID); ok {
		t.Fatalf("expected entry expired")
	}
}

func TestRedisSummaryCacheInvalidate(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	c := NewRedis(client, time.Minute, "")
	ctx := context.Background()
	summary := testSummary()
	if err := c.Set(ctx, summary); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Invalidate(ctx, summary.TransactionID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, summary.TransactionID); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestMemorySummaryCacheExpires(t *testing.T) {
	c := NewMemory(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	summary := testSummary()

	if err := c.Set(ctx, summary); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, summary.TransactionID); !ok {
		t.Fatalf("expected hit")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, summary.TransactionID); ok {
		t.Fatalf("expected expiry")
	}
	if len(c.entries) != 0 {
		t.Fatalf("expected cleanup to remove expired entries")
	}
}
