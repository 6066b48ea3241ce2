package syncbridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// InFlightLimiter bounds concurrent remote work across the deployment.
// TryAcquire never waits: a full limiter means the caller must skip the work.
type InFlightLimiter interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
	SetMax(limit int)
	Max() int
	InFlight(ctx context.Context) (int, error)
}

type LocalInFlightLimiter struct {
	mu       sync.Mutex
	max      int
	inFlight int
}

func NewLocalInFlightLimiter(limit int) *LocalInFlightLimiter {
	if limit <= 0 {
		limit = defaultDrainConcurrency
	}
	return &LocalInFlightLimiter{max: limit}
}

func (l *LocalInFlightLimiter) TryAcquire(_ context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= l.max {
		return func() {}, false, nil
	}
	l.inFlight++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
		})
	}, true, nil
}

func (l *LocalInFlightLimiter) SetMax(limit int) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	l.max = limit
	l.mu.Unlock()
}

func (l *LocalInFlightLimiter) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

func (l *LocalInFlightLimiter) InFlight(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight, nil
}

const (
	defaultRedisLimiterKey = "syncbridge:inflight"
	// redisLimiterTTL expires the shared counter if holders crash without
	// releasing their slots.
	redisLimiterTTL = 5 * time.Minute
)

// RedisInFlightLimiter shares one counter between every process using the
// same redis key.
type RedisInFlightLimiter struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	max    atomic.Int64
}

func NewRedisInFlightLimiter(client redis.UniversalClient, key string, limit int) *RedisInFlightLimiter {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisLimiterKey
	}
	if limit <= 0 {
		limit = defaultDrainConcurrency
	}
	l := &RedisInFlightLimiter{client: client, key: key, ttl: redisLimiterTTL}
	l.max.Store(int64(limit))
	return l
}

func (l *RedisInFlightLimiter) TryAcquire(ctx context.Context) (func(), bool, error) {
	count, err := l.client.Incr(ctx, l.key).Result()
	if err != nil {
		return func() {}, false, err
	}
	if count > l.max.Load() {
		if err := l.client.Decr(ctx, l.key).Err(); err != nil {
			return func() {}, false, err
		}
		return func() {}, false, nil
	}
	_ = l.client.Expire(ctx, l.key, l.ttl).Err()
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if remaining, err := l.client.Decr(releaseCtx, l.key).Result(); err == nil && remaining < 0 {
				_ = l.client.Set(releaseCtx, l.key, 0, l.ttl).Err()
			}
		})
	}, true, nil
}

func (l *RedisInFlightLimiter) SetMax(limit int) {
	if limit > 0 {
		l.max.Store(int64(limit))
	}
}

func (l *RedisInFlightLimiter) Max() int {
	return int(l.max.Load())
}

func (l *RedisInFlightLimiter) InFlight(ctx context.Context) (int, error) {
	count, err := l.client.Get(ctx, l.key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}
