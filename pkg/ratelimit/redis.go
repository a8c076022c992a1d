package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCooldown enforces the same per-key cooldown through redis so that
// several gateway processes share one admission window. SET NX with a
// millisecond expiry is the whole protocol: the key exists while the
// window is open. Falls back to the in-memory limiter when redis is
// unreachable.
type RedisCooldown struct {
	Client   *redis.Client
	Interval time.Duration
	Prefix   string
	Fallback *Cooldown
}

func NewRedisCooldown(client *redis.Client, interval time.Duration, maxEntries int) (*RedisCooldown, error) {
	fallback, err := NewCooldown(interval, maxEntries)
	if err != nil {
		return nil, err
	}
	return &RedisCooldown{
		Client:   client,
		Interval: interval,
		Prefix:   "cooldown:",
		Fallback: fallback,
	}, nil
}

func (l *RedisCooldown) Allow(key string) error {
	if l.Client == nil {
		return l.Fallback.Allow(key)
	}
	if l.Interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := l.Client.SetNX(ctx, l.Prefix+key, "1", l.Interval).Result()
	if err != nil {
		return l.Fallback.Allow(key)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}
