// Package ratelimit caps requests per key per second with a fixed window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Redis counts in Redis so several dev backend instances share a budget.
type Redis struct {
	client *redis.Client
	limit  int
}

func NewRedis(client *redis.Client, perSecond int) *Redis {
	return &Redis{client: client, limit: perSecond}
}

func (l *Redis) Allow(ctx context.Context, key string) bool {
	k := "ratelimit:" + key

	// Increment counter
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true
	}

	// Set expiry on first request
	if count == 1 {
		l.client.Expire(ctx, k, time.Second)
	}

	return count <= int64(l.limit)
}

// Memory is a single-process limiter.
type Memory struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	window time.Time
	counts map[string]int
}

func NewMemory(perSecond int) *Memory {
	return &Memory{limit: perSecond, now: time.Now, counts: make(map[string]int)}
}

func (l *Memory) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.now().Truncate(time.Second)
	if !window.Equal(l.window) {
		l.window = window
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit
}
