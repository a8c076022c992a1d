package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a pure admission gate: it throttles request attempts per
// origin key and never grants or denies anything itself.
type Limiter interface {
	Allow(key string) error
}

// Cooldown tracks the last accepted time per key in a bounded map.
// A key is admitted only when at least interval has elapsed since its
// previous admission. When admitting a new key would exceed maxEntries,
// the oldest-inserted key is evicted (insertion order, not access
// recency).
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	maxItems int
	last     map[string]time.Time
	order    []string
	now      func() time.Time
}

const DefaultMaxEntries = 10

func NewCooldown(interval time.Duration, maxEntries int) (*Cooldown, error) {
	if interval < 0 {
		return nil, fmt.Errorf("cooldown interval must be non-negative, got %s", interval)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cooldown{
		interval: interval,
		maxItems: maxEntries,
		last:     map[string]time.Time{},
		now:      time.Now,
	}, nil
}

func (c *Cooldown) Allow(key string) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[key]; ok {
		if now.Sub(last) < c.interval {
			return ErrRateLimited
		}
		c.last[key] = now
		return nil
	}
	if len(c.last) >= c.maxItems {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.last, oldest)
	}
	c.order = append(c.order, key)
	c.last[key] = now
	return nil
}

// Len reports the number of tracked keys.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Has reports whether key is currently tracked.
func (c *Cooldown) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.last[key]
	return ok
}
