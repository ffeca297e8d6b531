package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether an alert for key may be sent now
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket is a Redis token bucket shared by every scheduler instance
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the given key if available
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, err
	}
	return len(res) > 0 && res[0] == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)

// LocalBucket keeps one in-process limiter per key, used when Redis is disabled
type LocalBucket struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalBucket constructs an in-process bucket
func NewLocalBucket(capacity int, refillPerSecond float64) *LocalBucket {
	return &LocalBucket{
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements Limiter
func (b *LocalBucket) Allow(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.limiters[key] = lim
	}
	return lim.AllowN(b.now(), 1), nil
}
