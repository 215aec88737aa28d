// Message queue over the cache. Each logical queue Q owns four structures:
//
//	Q:ready       sorted set, score = priority*priorityScale + enqueue seq
//	Q:delayed     sorted set, score = scheduled_at epoch millis
//	Q:processing  sorted set, score = visibility deadline epoch millis
//	Q:dlq         list of exhausted messages
//
// A promoter moves due delayed entries to ready, a reclaimer returns
// entries whose visibility deadline lapsed, and consumers claim atomically
// through a Lua script. Messages sharing a partition key are serialized by
// the claim script, which keeps at most one of them in flight at a time; a
// short-lived lock around the handler guards the residual cross-node races
// (a reclaimed message whose original handler is still running).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"go.uber.org/zap"
)

// priorityScale leaves room for ~1e12 enqueues per priority band before
// bands could overlap.
const priorityScale = float64(1 << 40)

// claimScript pops up to ARGV[1] lowest-score members from the ready set
// and parks them in the processing set at the visibility deadline ARGV[2].
// At most one message per partition key may be in flight at a time: a key
// already present in the processing set, or claimed earlier in this call,
// blocks every later message of the same key. That gate is what keeps
// per-key order across claim batches and across processes.
const claimScript = `local limit = tonumber(ARGV[1])
local inflight = {}
for _, v in ipairs(redis.call("zrange", KEYS[2], 0, -1)) do
    local ok, m = pcall(cjson.decode, v)
    if ok and type(m) == "table" and m.partition_key then
        inflight[m.partition_key] = true
    end
end
local claimed = {}
for _, v in ipairs(redis.call("zrange", KEYS[1], 0, limit * 2 - 1)) do
    if #claimed >= limit then break end
    local key
    local ok, m = pcall(cjson.decode, v)
    if ok and type(m) == "table" then key = m.partition_key end
    if key == nil or not inflight[key] then
        if key ~= nil then inflight[key] = true end
        redis.call("zrem", KEYS[1], v)
        redis.call("zadd", KEYS[2], ARGV[2], v)
        claimed[#claimed + 1] = v
    end
end
return claimed`

const (
	partitionLockTTL     = 30 * time.Second
	partitionLockTimeout = 10 * time.Second
	retryBackoffBase     = time.Second
)

// QueueStats are per-queue counters plus sampled depths.
type QueueStats struct {
	Enqueued     int64 `json:"enqueued"`
	Claimed      int64 `json:"claimed"`
	Acked        int64 `json:"acked"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Reclaimed    int64 `json:"reclaimed"`
	ReadyDepth   int64 `json:"ready_depth"`
	DelayedDepth int64 `json:"delayed_depth"`
	DLQDepth     int64 `json:"dlq_depth"`
}

type queueCounters struct {
	mu    sync.Mutex
	stats QueueStats
}

type consumerEntry struct {
	id      string
	handler Handler
}

// MessageQueue owns the durable message structures of every logical queue
// this process produces to or consumes from.
type MessageQueue struct {
	cache      *cache.Client
	locks      *lock.Service
	cfg        config.QueueConfig
	logger     *log.Logger
	producerID string

	mu        sync.RWMutex
	consumers map[string][]consumerEntry // queue name → registered consumers
	next      map[string]int             // queue name → round-robin cursor
	counters  map[string]*queueCounters

	workers chan struct{}
	wg      sync.WaitGroup
}

func NewMessageQueue(c *cache.Client, locks *lock.Service, cfg config.QueueConfig, producerID string, logger *log.Logger) *MessageQueue {
	return &MessageQueue{
		cache:      c,
		locks:      locks,
		cfg:        cfg,
		logger:     logger.Named("queue"),
		producerID: producerID,
		consumers:  make(map[string][]consumerEntry),
		next:       make(map[string]int),
		counters:   make(map[string]*queueCounters),
		workers:    make(chan struct{}, cfg.BatchSize*2),
	}
}

func readyKey(q string) string      { return q + ":ready" }
func delayedKey(q string) string    { return q + ":delayed" }
func processingKey(q string) string { return q + ":processing" }
func dlqKey(q string) string        { return q + ":dlq" }
func seqKey(q string) string        { return q + ":seq" }

func (q *MessageQueue) countersFor(queue string) *queueCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.counters[queue]
	if !ok {
		c = &queueCounters{}
		q.counters[queue] = c
	}
	return c
}

// Enqueue makes the message durable. Future-scheduled messages land in the
// delayed set and stay invisible until due.
func (q *MessageQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = q.cfg.MaxRetries
	}
	if msg.ProducerID == "" {
		msg.ProducerID = q.producerID
	}
	if msg.ScheduledAt != nil && msg.ScheduledAt.After(time.Now()) {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := q.cache.ZAdd(ctx, delayedKey(msg.QueueName), cache.Z{
			Member: string(data),
			Score:  float64(msg.ScheduledAt.UnixMilli()),
		}); err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
	} else {
		if err := q.pushReady(ctx, msg); err != nil {
			return err
		}
	}

	c := q.countersFor(msg.QueueName)
	c.mu.Lock()
	c.stats.Enqueued++
	c.mu.Unlock()
	return nil
}

// pushReady stamps the message with the next queue sequence and adds it to
// the ready set. The sequence rides inside the message so a deferred claim
// can restore it at the same position.
func (q *MessageQueue) pushReady(ctx context.Context, msg *Message) error {
	seq, err := q.cache.Incr(ctx, seqKey(msg.QueueName))
	if err != nil {
		return fmt.Errorf("enqueue seq: %w", err)
	}
	msg.Sequence = seq
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	score := float64(msg.Priority)*priorityScale + float64(seq)
	if _, err := q.cache.ZAdd(ctx, readyKey(msg.QueueName), cache.Z{Member: string(data), Score: score}); err != nil {
		return fmt.Errorf("enqueue ready: %w", err)
	}
	return nil
}

// requeueFront returns a claimed-but-unprocessed message to the ready set
// at its original score. No attempt is charged; the handler never ran.
func (q *MessageQueue) requeueFront(ctx context.Context, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("Failed to marshal deferred message", zap.Error(err))
		return
	}
	score := float64(msg.Priority)*priorityScale + float64(msg.Sequence)
	if _, err := q.cache.ZAdd(ctx, readyKey(msg.QueueName), cache.Z{Member: string(data), Score: score}); err != nil {
		q.logger.Error("Failed to requeue deferred message",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}
}

// RegisterConsumer is idempotent on (queue, consumerID); a re-register
// replaces the handler.
func (q *MessageQueue) RegisterConsumer(queue, consumerID string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.consumers[queue] {
		if c.id == consumerID {
			q.consumers[queue][i].handler = handler
			return
		}
	}
	q.consumers[queue] = append(q.consumers[queue], consumerEntry{id: consumerID, handler: handler})
	q.logger.Info("Registered consumer", zap.String("queue", queue), zap.String("consumer_id", consumerID))
}

func (q *MessageQueue) registeredQueues() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.consumers))
	for name := range q.consumers {
		out = append(out, name)
	}
	return out
}

func (q *MessageQueue) pickHandler(queue string) (consumerEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.consumers[queue]
	if len(entries) == 0 {
		return consumerEntry{}, false
	}
	entry := entries[q.next[queue]%len(entries)]
	q.next[queue]++
	return entry, true
}

// Run drives the promoter, reclaimer and consumer loops until ctx is
// cancelled, then waits for in-flight handlers.
func (q *MessageQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Message queue shutting down")
			q.wg.Wait()
			return
		case <-ticker.C:
			for _, queue := range q.registeredQueues() {
				q.promote(ctx, queue)
				q.reclaim(ctx, queue)
				q.consume(ctx, queue)
			}
		}
	}
}

// promote moves due entries delayed → ready. The ZRem guard keeps two
// promoting processes from double-adding one entry.
func (q *MessageQueue) promote(ctx context.Context, queue string) {
	now := time.Now().UnixMilli()
	due, err := q.cache.ZRangeByScore(ctx, delayedKey(queue), "-inf", fmt.Sprintf("%d", now), 0, int64(q.cfg.BatchSize))
	if err != nil {
		q.logger.Error("Failed to read delayed set", zap.String("queue", queue), zap.Error(err))
		return
	}
	for _, entry := range due {
		removed, err := q.cache.ZRem(ctx, delayedKey(queue), entry.Member)
		if err != nil || removed == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(entry.Member), &msg); err != nil {
			q.logger.Error("Dropping unparseable delayed entry", zap.String("queue", queue), zap.Error(err))
			continue
		}
		if err := q.pushReady(ctx, &msg); err != nil {
			q.logger.Error("Failed to promote delayed message", zap.String("queue", queue), zap.Error(err))
		}
	}
}

// reclaim returns messages whose visibility deadline lapsed, charging one
// attempt so a crashing consumer cannot loop a message forever.
func (q *MessageQueue) reclaim(ctx context.Context, queue string) {
	now := time.Now().UnixMilli()
	expired, err := q.cache.ZRangeByScore(ctx, processingKey(queue), "-inf", fmt.Sprintf("%d", now), 0, int64(q.cfg.BatchSize))
	if err != nil {
		q.logger.Error("Failed to read processing set", zap.String("queue", queue), zap.Error(err))
		return
	}
	for _, entry := range expired {
		removed, err := q.cache.ZRem(ctx, processingKey(queue), entry.Member)
		if err != nil || removed == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(entry.Member), &msg); err != nil {
			q.logger.Error("Dropping unparseable processing entry", zap.String("queue", queue), zap.Error(err))
			continue
		}
		c := q.countersFor(queue)
		c.mu.Lock()
		c.stats.Reclaimed++
		c.mu.Unlock()
		q.failMessage(ctx, &msg, "visibility timeout")
	}
}

// claim atomically moves up to batch ready entries into processing.
func (q *MessageQueue) claim(ctx context.Context, queue string, batch int) ([]*Message, error) {
	deadline := time.Now().Add(q.cfg.VisibilityTimeout).UnixMilli()
	res, err := q.cache.Eval(ctx, claimScript,
		[]string{readyKey(queue), processingKey(queue)},
		batch, deadline)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	raw, _ := res.([]interface{})
	msgs := make([]*Message, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			q.logger.Error("Dropping unparseable claimed entry", zap.String("queue", queue), zap.Error(err))
			q.cache.ZRem(ctx, processingKey(queue), s)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (q *MessageQueue) consume(ctx context.Context, queue string) {
	msgs, err := q.claim(ctx, queue, q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("Failed to claim messages", zap.String("queue", queue), zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	c := q.countersFor(queue)
	c.mu.Lock()
	c.stats.Claimed += int64(len(msgs))
	c.mu.Unlock()

	// The claim script admits at most one in-flight message per partition
	// key, so each claimed message may run in its own worker without
	// breaking per-key order.
	for _, msg := range msgs {
		entry, ok := q.pickHandler(queue)
		if !ok {
			// Registration raced away; leave for the reclaimer.
			continue
		}
		q.wg.Add(1)
		select {
		case q.workers <- struct{}{}:
		case <-ctx.Done():
			q.wg.Done()
			return
		}
		msg := msg
		go func() {
			defer q.wg.Done()
			defer func() { <-q.workers }()
			q.handleMessage(ctx, msg, entry.handler)
		}()
	}
}

// handleMessage runs the handler, serialized per partition key, and settles
// the message. Handler panics count as failures.
func (q *MessageQueue) handleMessage(ctx context.Context, msg *Message, handler Handler) {
	invoke := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		hctx, cancel := context.WithTimeout(ctx, q.cfg.VisibilityTimeout)
		defer cancel()
		return handler(hctx, msg)
	}

	var err error
	if msg.PartitionKey != "" {
		key := fmt.Sprintf("partition:%s:%s", msg.QueueName, msg.PartitionKey)
		ok, lockErr := q.locks.WithLock(ctx, key, partitionLockTTL, partitionLockTimeout, func(ctx context.Context) error {
			return invoke(ctx)
		})
		if lockErr != nil && ok {
			err = lockErr
		} else if !ok {
			// Could not win the partition lock before the deadline. The
			// handler never ran, so the message goes back to ready at its
			// original position with no attempt charged.
			q.logger.Warn("Partition lock contended, deferring message",
				zap.String("queue", msg.QueueName),
				zap.String("partition_key", msg.PartitionKey),
				zap.String("message_id", msg.MessageID))
			if lockErr != nil {
				q.logger.Error("Partition lock error", zap.Error(lockErr))
			}
			q.removeProcessing(ctx, msg)
			q.requeueFront(ctx, msg)
			return
		}
	} else {
		err = invoke(ctx)
	}

	if err == nil {
		q.ack(ctx, msg)
		return
	}
	q.logger.Error("Message handler failed",
		zap.String("queue", msg.QueueName),
		zap.String("message_id", msg.MessageID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err))
	q.removeProcessing(ctx, msg)
	q.failMessage(ctx, msg, err.Error())
}

func (q *MessageQueue) ack(ctx context.Context, msg *Message) {
	q.removeProcessing(ctx, msg)
	c := q.countersFor(msg.QueueName)
	c.mu.Lock()
	c.stats.Acked++
	c.mu.Unlock()
}

func (q *MessageQueue) removeProcessing(ctx context.Context, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := q.cache.ZRem(ctx, processingKey(msg.QueueName), string(data)); err != nil {
		q.logger.Error("Failed to remove processing entry",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}
}

// failMessage charges an attempt, then either re-enqueues with backoff or
// dead-letters at max attempts. The message is assumed already removed from
// the processing set.
func (q *MessageQueue) failMessage(ctx context.Context, msg *Message, reason string) {
	msg.Attempts++
	msg.LastError = reason
	c := q.countersFor(msg.QueueName)

	if msg.Attempts >= msg.MaxAttempts {
		data, err := json.Marshal(msg)
		if err != nil {
			q.logger.Error("Failed to marshal dead letter", zap.Error(err))
			return
		}
		if _, err := q.cache.LPush(ctx, dlqKey(msg.QueueName), string(data)); err != nil {
			q.logger.Error("Failed to dead-letter message",
				zap.String("queue", msg.QueueName),
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
			return
		}
		c.mu.Lock()
		c.stats.DeadLettered++
		c.mu.Unlock()
		q.logger.Warn("Message dead-lettered",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.MessageID),
			zap.Int("attempts", msg.Attempts),
			zap.String("last_error", reason))
		return
	}

	// Exponential backoff with +/-20% jitter before redelivery.
	backoff := retryBackoffBase * time.Duration(1<<msg.Attempts)
	jitter := 0.8 + rand.Float64()*0.4
	next := time.Now().Add(time.Duration(float64(backoff) * jitter))
	msg.ScheduledAt = &next
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("Failed to marshal retry", zap.Error(err))
		return
	}
	if _, err := q.cache.ZAdd(ctx, delayedKey(msg.QueueName), cache.Z{
		Member: string(data),
		Score:  float64(next.UnixMilli()),
	}); err != nil {
		q.logger.Error("Failed to re-enqueue message",
			zap.String("queue", msg.QueueName),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return
	}
	c.mu.Lock()
	c.stats.Retried++
	c.mu.Unlock()
}

// PeekDeadLetters reads up to limit dead letters without consuming them.
func (q *MessageQueue) PeekDeadLetters(ctx context.Context, queue string, limit int64) ([]*Message, error) {
	raw, err := q.cache.LRange(ctx, dlqKey(queue), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("peek dlq: %w", err)
	}
	msgs := make([]*Message, 0, len(raw))
	for _, s := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// RequeueDeadLetters moves up to limit dead letters back to ready with a
// reset attempt budget. Returns the number requeued.
func (q *MessageQueue) RequeueDeadLetters(ctx context.Context, queue string, limit int) (int, error) {
	requeued := 0
	for i := 0; i < limit; i++ {
		s, err := q.cache.RPop(ctx, dlqKey(queue))
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			continue
		}
		msg.Attempts = 0
		msg.LastError = ""
		msg.ScheduledAt = nil
		if err := q.pushReady(ctx, &msg); err != nil {
			q.logger.Error("Failed to requeue dead letter", zap.String("queue", queue), zap.Error(err))
			break
		}
		requeued++
	}
	return requeued, nil
}

// Stats samples depths and merges them with the counters.
func (q *MessageQueue) Stats(ctx context.Context) map[string]QueueStats {
	q.mu.RLock()
	names := make([]string, 0, len(q.counters))
	for name := range q.counters {
		names = append(names, name)
	}
	q.mu.RUnlock()

	out := make(map[string]QueueStats, len(names))
	for _, name := range names {
		c := q.countersFor(name)
		c.mu.Lock()
		stats := c.stats
		c.mu.Unlock()
		stats.ReadyDepth, _ = q.cache.ZCard(ctx, readyKey(name))
		stats.DelayedDepth, _ = q.cache.ZCard(ctx, delayedKey(name))
		stats.DLQDepth, _ = q.cache.LLen(ctx, dlqKey(name))
		out[name] = stats
	}
	return out
}
