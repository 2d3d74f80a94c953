package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/upscaler/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// SetJobStatus mirrors a job's status. Once a terminal status is stored
	// later writes for the job are dropped, so a slow non-terminal write can
	// never mask the final outcome.
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
	// SlidingWindowAllow records one hit under key and reports true when
	// fewer than limit hits fall inside the trailing window. A denied hit is
	// not recorded.
	SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
}

// slidingWindow trims hits older than the window, then adds the new hit only
// if the remaining count is under the limit. Scores are unix milliseconds.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// setJobStatus writes ARGV[1] with a TTL of ARGV[2] ms (none when zero)
// unless the stored value is one of ARGV[3..], the terminal statuses.
var setJobStatus = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
for i = 3, #ARGV do
	if current == ARGV[i] then
		return 0
	end
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

var terminalStatuses = []any{
	string(models.JobStatusCompleted),
	string(models.JobStatusFailed),
	string(models.JobStatusCancelled),
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	args := append([]any{status, ttl.Milliseconds()}, terminalStatuses...)
	return setJobStatus.Run(ctx, c.client, []string{JobStatusKey(jobID)}, args...).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	res, err := slidingWindow.Run(ctx, c.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
