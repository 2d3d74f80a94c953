package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	cachemock "github.com/kiranshivaraju/upscaler/internal/cache/mock"
	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryLimiter_AllowsUpToLimit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.NewMemoryLimiter(3, time.Minute)
	l.SetClock(clock.now)
	user := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, user)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		clock.advance(time.Second)
	}

	ok, err := l.Allow(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.NewMemoryLimiter(2, time.Minute)
	l.SetClock(clock.now)
	user := uuid.New()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, user)
	require.True(t, ok)
	clock.advance(30 * time.Second)
	ok, _ = l.Allow(ctx, user)
	require.True(t, ok)

	clock.advance(10 * time.Second)
	ok, _ = l.Allow(ctx, user)
	assert.False(t, ok)

	// First hit is now older than the window.
	clock.advance(21 * time.Second)
	ok, _ = l.Allow(ctx, user)
	assert.True(t, ok)

	ok, _ = l.Allow(ctx, user)
	assert.False(t, ok)
}

func TestMemoryLimiter_DeniedRequestsAreNotRecorded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.NewMemoryLimiter(1, time.Minute)
	l.SetClock(clock.now)
	user := uuid.New()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, user)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		clock.advance(10 * time.Second)
		ok, _ = l.Allow(ctx, user)
		assert.False(t, ok)
	}

	clock.advance(11 * time.Second)
	ok, _ = l.Allow(ctx, user)
	assert.True(t, ok)
}

func TestMemoryLimiter_UsersAreIndependent(t *testing.T) {
	l := ratelimit.NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	ok, _ := l.Allow(ctx, a)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, a)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, b)
	assert.True(t, ok)
}

func TestMemoryLimiter_ForgetsIdleUsers(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.NewMemoryLimiter(5, time.Minute)
	l.SetClock(clock.now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, uuid.New())
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 100, l.Len())

	clock.advance(30 * time.Second)
	active := uuid.New()
	_, err := l.Allow(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, 101, l.Len(), "nobody is idle for a full window yet")

	clock.advance(45 * time.Second)
	_, err = l.Allow(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	// The survivor keeps its earlier hit: four more fill its limit of five.
	for i := 0; i < 4; i++ {
		ok, err := l.Allow(ctx, active)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, active)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiter_DefaultsForNonPositiveSettings(t *testing.T) {
	l := ratelimit.NewMemoryLimiter(0, 0)
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(ctx, user)
		require.True(t, ok)
	}
	ok, _ := l.Allow(ctx, user)
	assert.False(t, ok)
}

func TestRedisLimiter_UsesSharedWindow(t *testing.T) {
	c := cachemock.NewCache()
	ctx := context.Background()
	user := uuid.New()

	first := ratelimit.NewRedisLimiter(c, 2, time.Minute)
	second := ratelimit.NewRedisLimiter(c, 2, time.Minute)

	ok, err := first.Allow(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = second.Allow(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = first.Allow(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	l := ratelimit.NewRedisLimiter(cachemock.NewFailingCache(errors.New("connection refused")), 1, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	c := cachemock.NewCache()

	_, isRedis := ratelimit.New(config.RateLimitConfig{Backend: "redis", Requests: 5, Window: time.Minute}, c).(*ratelimit.RedisLimiter)
	assert.True(t, isRedis)

	_, isMemory := ratelimit.New(config.RateLimitConfig{Backend: "memory"}, c).(*ratelimit.MemoryLimiter)
	assert.True(t, isMemory)

	_, isMemory = ratelimit.New(config.RateLimitConfig{Backend: "redis"}, nil).(*ratelimit.MemoryLimiter)
	assert.True(t, isMemory)
}
