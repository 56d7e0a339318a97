package market

import (
	"sort"
	"sync"
	"time"
)

// FundingCache keeps the latest funding rate per symbol as pushed by a
// streaming feed. Readers fall back to REST when the cache is stale.
type FundingCache struct {
	mu      sync.RWMutex
	rates   map[string]FundingRate
	updated time.Time
	now     func() time.Time
}

func NewFundingCache() *FundingCache {
	return &FundingCache{
		rates: make(map[string]FundingRate),
		now:   time.Now,
	}
}

func (c *FundingCache) Update(rate FundingRate) {
	if rate.Symbol == "" {
		return
	}
	now := c.now()
	if rate.ObservedAt.IsZero() {
		rate.ObservedAt = now
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[rate.Symbol] = rate
	c.updated = now
}

func (c *FundingCache) Rate(symbol string) (FundingRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[symbol]
	return rate, ok
}

// Snapshot returns every cached rate when the cache was refreshed within
// maxAge. A zero maxAge disables the staleness check.
func (c *FundingCache) Snapshot(maxAge time.Duration) ([]FundingRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.rates) == 0 {
		return nil, false
	}
	if maxAge > 0 && c.now().Sub(c.updated) > maxAge {
		return nil, false
	}
	out := make([]FundingRate, 0, len(c.rates))
	for _, rate := range c.rates {
		out = append(out, rate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, true
}

func (c *FundingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}
