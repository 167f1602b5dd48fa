package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter grants at most one concurrent run per job name. release must be
// called once the run ends.
type Limiter interface {
	Acquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

type LocalLimiter struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{running: map[string]bool{}}
}

func (l *LocalLimiter) Acquire(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[name] {
		return nil, false, nil
	}
	l.running[name] = true
	return func() {
		l.mu.Lock()
		delete(l.running, name)
		l.mu.Unlock()
	}, true, nil
}

// releaseScript deletes the lock only while it still holds our token, so a
// run that outlived its TTL never frees a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLimiter shares job locks across replicas.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLimiter(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLimiter {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLimiter{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *RedisLimiter) key(name string) string {
	return l.prefix + "job-lock:" + name
}

func (l *RedisLimiter) Acquire(ctx context.Context, name string) (func(), bool, error) {
	token := uuid.NewString()
	key := l.key(name)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() { l.release(key, token) }, true, nil
}

func (l *RedisLimiter) release(key, token string) {
	// The caller's context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	switch {
	case err != nil:
		l.logger.Error("job lock not released", zap.String("key", key), zap.Error(err))
	case n == 0:
		l.logger.Warn("job lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
	}
}
