//go:build integration
// +build integration

package notify

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestNotifyService(ctx context.Context, t *testing.T, cfg config.NotificationConfig) (*Service, *queue.Service) {
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
	}, fmt.Sprintf("notiftest:%d", time.Now().UnixNano()), log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	locks := lock.NewService(client, "node-test", log.NewLogger())
	queues := queue.NewService(client, locks, config.QueueConfig{
		BatchSize:         10,
		PollInterval:      50 * time.Millisecond,
		MaxRetries:        2,
		VisibilityTimeout: 5 * time.Second,
		EventWorkers:      4,
	}, "node-test", log.NewLogger())
	t.Cleanup(queues.Stop)

	svc := NewService(cfg, client, nil, queues, nil, log.NewLogger())
	return svc, queues
}

func TestDedupWindow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNotifyService(ctx, t, config.NotificationConfig{DedupWindowHours: 1})

	n := Notification{
		NotificationID: "n-1",
		AccountDBKey:   42,
		Type:           "PRICE_ALERT",
		Title:          "AAPL",
		Body:           "crossed 200",
		Data:           map[string]interface{}{"symbol": "AAPL", "price": 200},
	}
	fresh, err := svc.passDedup(ctx, &n)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Same content, different id and data order: still a duplicate.
	dup := n
	dup.NotificationID = "n-2"
	dup.Data = map[string]interface{}{"price": 200, "symbol": "AAPL"}
	fresh, err = svc.passDedup(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Same payload with different display text is still a duplicate.
	reworded := n
	reworded.NotificationID = "n-3"
	reworded.Body = "price alert: crossed 200"
	fresh, err = svc.passDedup(ctx, &reworded)
	require.NoError(t, err)
	assert.False(t, fresh)

	// A different payload is a new notification.
	other := n
	other.NotificationID = "n-4"
	other.Data = map[string]interface{}{"symbol": "AAPL", "price": 210}
	fresh, err = svc.passDedup(ctx, &other)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRateLimitCeiling(t *testing.T) {
	ctx := context.Background()
	svc, queues := newTestNotifyService(ctx, t, config.NotificationConfig{RateLimitPerUserHour: 3})

	var alerts atomic.Int64
	queues.SubscribeEvent(ctx, queue.EventSystemError, func(ctx context.Context, ev *queue.Event) error {
		alerts.Add(1)
		return nil
	})

	n := Notification{AccountDBKey: 7, Type: "PORTFOLIO_UPDATE", Priority: 3}
	for i := 0; i < 3; i++ {
		allowed, err := svc.passRateLimit(ctx, &n)
		require.NoError(t, err)
		assert.True(t, allowed, "send %d should pass", i+1)
	}

	// The breach is rejected and raises the alert event exactly once.
	for i := 0; i < 2; i++ {
		allowed, err := svc.passRateLimit(ctx, &n)
		require.NoError(t, err)
		assert.False(t, allowed)
	}
	assert.Eventually(t, func() bool { return alerts.Load() == 1 }, 2*time.Second, 20*time.Millisecond)

	// Another user has an independent counter.
	other := Notification{AccountDBKey: 8, Type: "PORTFOLIO_UPDATE", Priority: 3}
	allowed, err := svc.passRateLimit(ctx, &other)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNoChannelSendSkipsRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNotifyService(ctx, t, config.NotificationConfig{
		DedupWindowHours:     1,
		RateLimitPerUserHour: 1,
		EnabledChannels:      []string{"WEBSOCKET"},
	})

	// Preferences cached empty, no live socket: nothing deliverable.
	require.NoError(t, svc.cache.Set(ctx, "notif:pref:42", "{}", time.Hour))

	res, err := svc.Send(ctx, Notification{AccountDBKey: 42, Type: "PRICE_ALERT"}, nil)
	require.NoError(t, err)
	assert.False(t, res.RateLimited)
	assert.Empty(t, res.Channels)
	assert.Equal(t, int64(1), svc.Stats().NoChannel)

	// The undeliverable send left the hourly budget untouched.
	n := Notification{AccountDBKey: 42, Type: "PRICE_ALERT"}
	allowed, err := svc.passRateLimit(ctx, &n)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestZeroLimitDisablesRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestNotifyService(ctx, t, config.NotificationConfig{})

	n := Notification{AccountDBKey: 9, Type: "SYSTEM"}
	for i := 0; i < 10; i++ {
		allowed, err := svc.passRateLimit(ctx, &n)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
