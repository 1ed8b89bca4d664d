package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript resets the expiry only if the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a Locker shared by every process connected to the same Redis.
// A held lock is refreshed every TTL/3 until it is released, so holding it
// through a long retry loop is safe; a crashed holder stops refreshing and its
// lock expires after TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a RedisLocker. Keys are stored under prefix.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		logger: logger,
	}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := l.prefix + key

	wait := l.retry
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}

	stop := make(chan struct{})
	go l.keepAlive(k, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Release must not depend on the caller's (possibly cancelled) context.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.client, []string{k}, token).Int()
			if err != nil {
				l.logger.Warn("redis lock release failed", zap.String("key", k), zap.Error(err))
				return
			}
			if n == 0 {
				l.logger.Warn("redis lock expired before release", zap.String("key", k), zap.Error(ErrNotHeld))
			}
		})
	}, nil
}

// keepAlive extends the lock until stop is closed or the lock is found to
// belong to someone else.
func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	every := l.ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("redis lock refresh failed", zap.String("key", key), zap.Error(err))
		case n == 0:
			l.logger.Warn("redis lock lost while held", zap.String("key", key), zap.Error(ErrNotHeld))
			return
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
