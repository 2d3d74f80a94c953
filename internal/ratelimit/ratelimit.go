// Package ratelimit bounds how often a single user may submit jobs.
//
// Both backends implement a sliding window: a request is allowed when fewer
// than Requests hits were recorded for the user in the trailing Window.
// Denied requests are not recorded, so a user hammering the endpoint does not
// extend their own lockout.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	"github.com/kiranshivaraju/upscaler/internal/config"
)

const (
	defaultRequests = 10
	defaultWindow   = time.Minute
)

// Limiter decides whether a user may submit another job right now.
type Limiter interface {
	Allow(ctx context.Context, userID uuid.UUID) (bool, error)
}

// New returns the limiter selected by cfg.Backend. The Redis backend requires
// a non-nil cache.
func New(cfg config.RateLimitConfig, c cache.Cache) Limiter {
	if cfg.Backend == "redis" && c != nil {
		return NewRedisLimiter(c, cfg.Requests, cfg.Window)
	}
	return NewMemoryLimiter(cfg.Requests, cfg.Window)
}

func normalize(requests int, window time.Duration) (int, time.Duration) {
	if requests <= 0 {
		requests = defaultRequests
	}
	if window <= 0 {
		window = defaultWindow
	}
	return requests, window
}

// MemoryLimiter keeps hit timestamps per user in process memory. It is only
// correct for a single server instance. Users with no hit inside the window
// are dropped at most once per window.
type MemoryLimiter struct {
	mu        sync.Mutex
	hits      map[uuid.UUID][]time.Time
	requests  int
	window    time.Duration
	now       func() time.Time
	lastPrune time.Time
}

func NewMemoryLimiter(requests int, window time.Duration) *MemoryLimiter {
	requests, window = normalize(requests, window)
	return &MemoryLimiter{
		hits:     map[uuid.UUID][]time.Time{},
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// SetClock replaces the limiter's time source.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLimiter) Allow(_ context.Context, userID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastPrune) >= l.window {
		l.pruneLocked(cutoff)
		l.lastPrune = now
	}

	hits := l.hits[userID]
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}

	if len(kept) >= l.requests {
		l.hits[userID] = kept
		return false, nil
	}
	if len(kept) == 0 && len(hits) > 0 {
		// Reclaim the slice for users who went quiet.
		kept = nil
	}
	l.hits[userID] = append(kept, now)
	return true, nil
}

// Len reports how many users currently hold hits.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// pruneLocked deletes users whose newest hit is outside the window. Hits are
// appended in time order, so the last one is the newest.
func (l *MemoryLimiter) pruneLocked(cutoff time.Time) {
	for id, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, id)
		}
	}
}

// RedisLimiter shares the window across server instances through Redis.
type RedisLimiter struct {
	cache    cache.Cache
	requests int
	window   time.Duration
	now      func() time.Time
}

func NewRedisLimiter(c cache.Cache, requests int, window time.Duration) *RedisLimiter {
	requests, window = normalize(requests, window)
	return &RedisLimiter{cache: c, requests: requests, window: window, now: time.Now}
}

// Allow fails open: a Redis error admits the request and is logged.
func (l *RedisLimiter) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	ok, err := l.cache.SlidingWindowAllow(ctx, cache.RateLimitKey(userID), l.requests, l.window, l.now())
	if err != nil {
		slog.Warn("rate limit check failed, allowing request",
			"user_id", userID, "error", err)
		return true, nil
	}
	return ok, nil
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
