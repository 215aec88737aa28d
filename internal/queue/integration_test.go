//go:build integration
// +build integration

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestQueueCache(ctx context.Context, t *testing.T) *cache.Client {
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
		PoolSize:   10,
		MaxRetries: 2,
	}, fmt.Sprintf("qtest:%d", time.Now().UnixNano()), log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestQueueService(ctx context.Context, t *testing.T, cfg config.QueueConfig) *Service {
	client := newTestQueueCache(ctx, t)
	locks := lock.NewService(client, "node-test", log.NewLogger())
	return NewService(client, locks, cfg, "node-test", log.NewLogger())
}

func defaultQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		BatchSize:         10,
		PollInterval:      100 * time.Millisecond,
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		EventWorkers:      4,
	}
}

func TestSendAndConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())

	received := make(chan *Message, 1)
	svc.RegisterMessageConsumer("orders", "test-consumer", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	svc.Start(ctx)
	defer svc.Stop()

	id, err := svc.SendMessage(ctx, "orders", "order_created",
		map[string]int{"order": 1}, PriorityNormal, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case msg := <-received:
		assert.Equal(t, id, msg.MessageID)
		assert.Equal(t, "order_created", msg.MessageType)
		var payload map[string]int
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, 1, payload["order"])
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestHigherPriorityDeliveredFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := defaultQueueConfig()
	cfg.BatchSize = 1
	svc := newTestQueueService(ctx, t, cfg)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	svc.RegisterMessageConsumer("mixed", "test-consumer", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, msg.MessageType)
		if len(order) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	// Enqueue before starting so both sit in ready together.
	_, err := svc.SendMessage(ctx, "mixed", "low", nil, PriorityLow, "", 0)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "mixed", "critical", nil, PriorityCritical, "", 0)
	require.NoError(t, err)

	svc.Start(ctx)
	defer svc.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "low"}, order)
}

func TestDelayedMessageWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())

	received := make(chan time.Time, 1)
	svc.RegisterMessageConsumer("delayed", "test-consumer", func(ctx context.Context, msg *Message) error {
		received <- time.Now()
		return nil
	})
	svc.Start(ctx)
	defer svc.Stop()

	sentAt := time.Now()
	_, err := svc.SendMessage(ctx, "delayed", "later", nil, PriorityNormal, "", time.Second)
	require.NoError(t, err)

	select {
	case gotAt := <-received:
		assert.GreaterOrEqual(t, gotAt.Sub(sentAt), 900*time.Millisecond)
	case <-time.After(10 * time.Second):
		t.Fatal("delayed message was not delivered")
	}
}

func TestFailedMessageRetriesThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := defaultQueueConfig()
	cfg.MaxRetries = 2
	svc := newTestQueueService(ctx, t, cfg)

	var mu sync.Mutex
	attempts := 0
	svc.RegisterMessageConsumer("failing", "test-consumer", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("handler rejects message")
	})
	svc.Start(ctx)
	defer svc.Stop()

	_, err := svc.SendMessage(ctx, "failing", "doomed", nil, PriorityNormal, "", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, err := svc.PeekDeadLetters(ctx, "failing", 10)
		return err == nil && len(msgs) == 1
	}, 30*time.Second, 200*time.Millisecond, "message should dead-letter after retries")

	msgs, err := svc.PeekDeadLetters(ctx, "failing", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, msgs[0].Attempts)
	assert.Contains(t, msgs[0].LastError, "rejects")

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	n, err := svc.RequeueDeadLetters(ctx, "failing", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPartitionKeyPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	svc.RegisterMessageConsumer("ledger", "test-consumer", func(ctx context.Context, msg *Message) error {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		seen = append(seen, msg.MessageType)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for _, step := range []string{"first", "second", "third"} {
		_, err := svc.SendMessage(ctx, "ledger", step, nil, PriorityNormal, "user-7", 0)
		require.NoError(t, err)
	}

	svc.Start(ctx)
	defer svc.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("messages were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestClaimAdmitsOneInFlightPerPartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())
	mq := svc.queue

	for _, step := range []string{"u7-first", "u7-second", "u7-third"} {
		_, err := svc.SendMessage(ctx, "ledger", step, nil, PriorityNormal, "u7", 0)
		require.NoError(t, err)
	}
	_, err := svc.SendMessage(ctx, "ledger", "u8-first", nil, PriorityNormal, "u8", 0)
	require.NoError(t, err)

	// One message per partition key, lowest score first.
	claimed, err := mq.claim(ctx, "ledger", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "u7-first", claimed[0].MessageType)
	assert.Equal(t, "u8-first", claimed[1].MessageType)

	// Both keys are in flight now, so nothing more is claimable.
	again, err := mq.claim(ctx, "ledger", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Settling u7's head releases exactly its successor.
	mq.removeProcessing(ctx, claimed[0])
	next, err := mq.claim(ctx, "ledger", 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "u7-second", next[0].MessageType)
}

func TestDeferredClaimKeepsPositionWithoutAttemptCharge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())
	mq := svc.queue

	_, err := svc.SendMessage(ctx, "ledger", "head", nil, PriorityNormal, "u7", 0)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "ledger", "tail", nil, PriorityNormal, "u7", 0)
	require.NoError(t, err)

	claimed, err := mq.claim(ctx, "ledger", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	head := claimed[0]

	// Deferral returns the message to ready at its original position.
	mq.removeProcessing(ctx, head)
	mq.requeueFront(ctx, head)

	reclaimed, err := mq.claim(ctx, "ledger", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "head", reclaimed[0].MessageType)
	assert.Equal(t, 0, reclaimed[0].Attempts)
	assert.Equal(t, head.Sequence, reclaimed[0].Sequence)
}

func TestPartitionOrderAcrossConsumers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestQueueCache(ctx, t)

	cfg := defaultQueueConfig()
	cfg.BatchSize = 2
	cfg.PollInterval = 50 * time.Millisecond

	var mu sync.Mutex
	seen := make(map[string][]string)
	total := 0
	done := make(chan struct{})
	handler := func(ctx context.Context, msg *Message) error {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		seen[msg.PartitionKey] = append(seen[msg.PartitionKey], msg.MessageType)
		total++
		if total == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	// Two nodes over one store, both consuming the same queue.
	nodes := make([]*Service, 2)
	for i := range nodes {
		locks := lock.NewService(client, fmt.Sprintf("node-%d", i), log.NewLogger())
		nodes[i] = NewService(client, locks, cfg, fmt.Sprintf("node-%d", i), log.NewLogger())
		nodes[i].RegisterMessageConsumer("ledger", "test-consumer", handler)
	}

	for i := 1; i <= 5; i++ {
		_, err := nodes[0].SendMessage(ctx, "ledger", fmt.Sprintf("u7-%d", i), nil, PriorityNormal, "u7", 0)
		require.NoError(t, err)
		_, err = nodes[0].SendMessage(ctx, "ledger", fmt.Sprintf("u8-%d", i), nil, PriorityNormal, "u8", 0)
		require.NoError(t, err)
	}

	for _, n := range nodes {
		n.Start(ctx)
		defer n.Stop()
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("messages were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u7-1", "u7-2", "u7-3", "u7-4", "u7-5"}, seen["u7"])
	assert.Equal(t, []string{"u8-1", "u8-2", "u8-3", "u8-4", "u8-5"}, seen["u8"])
}

func TestEventBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestQueueService(ctx, t, defaultQueueConfig())
	svc.Start(ctx)
	defer svc.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		svc.SubscribeEvent(ctx, EventPredictionAlert, func(ctx context.Context, ev *Event) error {
			wg.Done()
			return nil
		})
	}

	require.NoError(t, svc.PublishEvent(ctx, EventPredictionAlert, map[string]string{"symbol": "AAPL"}))

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("event did not reach all handlers")
	}
}

func TestEventReachesOtherNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestQueueCache(ctx, t)

	cfg := defaultQueueConfig()
	nodes := make([]*Service, 2)
	for i := range nodes {
		locks := lock.NewService(client, fmt.Sprintf("node-%d", i), log.NewLogger())
		nodes[i] = NewService(client, locks, cfg, fmt.Sprintf("node-%d", i), log.NewLogger())
	}

	var onA, onB int64
	nodes[0].SubscribeEvent(ctx, EventMarketData, func(ctx context.Context, ev *Event) error {
		atomic.AddInt64(&onA, 1)
		return nil
	})
	nodes[1].SubscribeEvent(ctx, EventMarketData, func(ctx context.Context, ev *Event) error {
		atomic.AddInt64(&onB, 1)
		return nil
	})

	for _, n := range nodes {
		n.Start(ctx)
		defer n.Stop()
	}
	// Let both relay subscriptions settle before publishing.
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, nodes[0].PublishEvent(ctx, EventMarketData, map[string]string{"symbol": "AAPL"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&onB) == 1
	}, 5*time.Second, 50*time.Millisecond, "event should reach the other node")

	// The publishing node handles the event once, not again off its own echo.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&onA))
	assert.Equal(t, int64(1), atomic.LoadInt64(&onB))
}
