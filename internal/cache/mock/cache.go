package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/internal/cache"
	"github.com/kiranshivaraju/upscaler/pkg/models"
)

// Cache satisfies cache.Cache for testing. Entries live in memory and ignore
// TTLs. Set Err to make every call fail.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
	windows map[string][]time.Time

	Err error
}

func NewCache() *Cache {
	return &Cache{
		entries: map[string][]byte{},
		windows: map[string][]time.Time{},
	}
}

// NewFailingCache returns a Cache whose every call returns err.
func NewFailingCache(err error) *Cache {
	c := NewCache()
	c.Err = err
	return c
}

func (c *Cache) Ping(_ context.Context) error { return c.Err }

func (c *Cache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if c.Err != nil {
		return nil, false, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cache.JobStatusKey(jobID)
	if models.JobStatus(c.entries[key]).IsTerminal() {
		return nil
	}
	c.entries[key] = []byte(status)
	return nil
}

func (c *Cache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	v, ok, err := c.Get(ctx, cache.JobStatusKey(jobID))
	return string(v), ok, err
}

func (c *Cache) SlidingWindowAllow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	if c.Err != nil {
		return false, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-window)
	var kept []time.Time
	for _, h := range c.windows[key] {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	if len(kept) >= limit {
		c.windows[key] = kept
		return false, nil
	}
	c.windows[key] = append(kept, now)
	return true, nil
}

// Has reports whether key is currently stored.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

var _ cache.Cache = (*Cache)(nil)
