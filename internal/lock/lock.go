// Package lock provides TTL-bounded mutual exclusion over the cache with
// fencing tokens. It is the only cross-process coordination primitive in the
// fabric; schedulers, drainers and master election all build on it.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Release and extend compare the stored fence token before acting so a late
// owner can never affect a successor's lock. Scripts are shared across
// platform implementations; do not edit casually.
const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

	extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("expire", KEYS[1], ARGV[2])
else
    return 0
end`
)

const pollInterval = 50 * time.Millisecond

type Service struct {
	cache  *cache.Client
	owner  string
	logger *log.Logger
}

func NewService(c *cache.Client, owner string, logger *log.Logger) *Service {
	return &Service{cache: c, owner: owner, logger: logger.Named("lock")}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire contends for key until timeout, polling every 50ms. On success it
// returns the fence token required by Release and Extend. Contention loss is
// a first-class outcome (ok=false), not an error.
func (s *Service) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (string, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := s.cache.SetNX(ctx, lockKey(key), token, ttl)
		if err != nil {
			return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return token, true, nil
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return "", false, nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return "", false, errs.Wrap(errs.KindTimeout, "acquire lock "+key, ctx.Err())
		}
	}
}

// TryAcquire is a single non-polling attempt, used by master election and
// lock-gated jobs that skip on contention.
func (s *Service) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.cache.SetNX(ctx, lockKey(key), token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("try acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock only when token matches the stored fence token.
// Double-release and releasing an expired lock are no-ops (false, nil).
func (s *Service) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := s.cache.Eval(ctx, releaseScript, []string{lockKey(key)}, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Extend refreshes the TTL if token still owns the lock.
func (s *Service) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := s.cache.Eval(ctx, extendScript, []string{lockKey(key)}, token, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// WithLock runs fn under the lock and releases on every exit path including
// panic. Returns ok=false without invoking fn when the lock is contended.
func (s *Service) WithLock(ctx context.Context, key string, ttl, timeout time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, ok, err := s.Acquire(ctx, key, ttl, timeout)
	if err != nil || !ok {
		return ok, err
	}
	defer func() {
		// Release with a fresh context: the caller's may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, relErr := s.Release(relCtx, key, token); relErr != nil {
			s.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(relErr))
		}
	}()
	return true, fn(ctx)
}

// Owner returns the identity this service stamps into log records.
func (s *Service) Owner() string {
	return s.owner
}
