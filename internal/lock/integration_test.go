//go:build integration
// +build integration

package lock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestLockService(ctx context.Context, t *testing.T) *Service {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		require.NoError(t, err, "failed to start redis container")
		t.Cleanup(func() { redisContainer.Terminate(ctx) })
		addr, err = redisContainer.Endpoint(ctx, "")
		require.NoError(t, err)
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := cache.NewClient(config.CacheConfig{
		Host:       host,
		Port:       port,
		PoolSize:   5,
		MaxRetries: 2,
	}, fmt.Sprintf("locktest:%d", time.Now().UnixNano()), log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewService(client, "node-test", log.NewLogger())
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	token, ok, err := locks.Acquire(ctx, "job", 5*time.Second, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	released, err := locks.Release(ctx, "job", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Double release is a no-op, not an error.
	released, err = locks.Release(ctx, "job", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestContendedTryAcquire(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	token, ok, err := locks.TryAcquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locks.TryAcquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = locks.Release(ctx, "job", token)
	require.NoError(t, err)

	_, ok, err = locks.TryAcquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseWithWrongTokenFails(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	_, ok, err := locks.TryAcquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := locks.Release(ctx, "job", "stolen-token")
	require.NoError(t, err)
	assert.False(t, released, "a stale holder must not release the current lock")
}

func TestExtendKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	token, ok, err := locks.TryAcquire(ctx, "job", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := locks.Extend(ctx, "job", token, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	extended, err = locks.Extend(ctx, "job", "wrong-token", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	_, ok, err := locks.TryAcquire(ctx, "job", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(700 * time.Millisecond)

	_, ok, err = locks.TryAcquire(ctx, "job", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	boom := errors.New("boom")
	ok, err := locks.WithLock(ctx, "job", 5*time.Second, time.Second, func(ctx context.Context) error {
		return boom
	})
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)

	// Lock must be free again.
	_, ok, err = locks.TryAcquire(ctx, "job", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockSkipsOnContention(t *testing.T) {
	ctx := context.Background()
	locks := newTestLockService(ctx, t)

	_, ok, err := locks.TryAcquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	ok, err = locks.WithLock(ctx, "job", time.Second, 0, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ran)
}
