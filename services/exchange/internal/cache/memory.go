package cache

import (
	"context"
	"sync"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/google/uuid"
)

// MemorySummaryCache is the single-process fallback used in dev and test.
type MemorySummaryCache struct {
	mu           sync.Mutex
	ttl          time.Duration
	entries      map[uuid.UUID]*entry
	lastCleanup  time.Time
	cleanupEvery time.Duration
	now          func() time.Time
}

type entry struct {
	summary funding.Summary
	expires time.Time
}

func NewMemory(ttl time.Duration) *MemorySummaryCache {
	return &MemorySummaryCache{
		ttl:          ttl,
		entries:      map[uuid.UUID]*entry{},
		lastCleanup:  time.Now(),
		cleanupEvery: ttl,
		now:          time.Now,
	}
}

func (c *MemorySummaryCache) Get(_ context.Context, transactionID uuid.UUID) (*funding.Summary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.cleanup(now)

	e, ok := c.entries[transactionID]
	if !ok || now.After(e.expires) {
		return nil, false, nil
	}
	summary := e.summary
	return &summary, true, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, summary *funding.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[summary.TransactionID] = &entry{summary: *summary, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemorySummaryCache) Invalidate(_ context.Context, transactionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, transactionID)
	return nil
}

func (c *MemorySummaryCache) cleanup(now time.Time) {
	if now.Sub(c.lastCleanup) < c.cleanupEvery {
		return
	}
	for k, v := range c.entries {
		if now.After(v.expires) {
			delete(c.entries, k)
		}
	}
	c.lastCleanup = now
}
