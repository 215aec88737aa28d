// Package outbox drains domain events written transactionally by the
// shard procedures. One drainer per registered domain polls every shard,
// gated by a domain lock so each domain is drained by a single node.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/db"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/scheduler"

	"go.uber.org/zap"
)

// Event statuses as stored by the outbox procedures.
const (
	StatusPending    = "pending"
	StatusPublished  = "published"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// Event is one row of the universal outbox table.
type Event struct {
	EventID      string          `json:"event_id"`
	Domain       string          `json:"domain"`
	EventType    string          `json:"event_type"`
	AccountDBKey uint64          `json:"account_db_key"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Handler processes one outbox event. A nil return marks the event
// published; an error marks it failed and eligible for redelivery until
// the retry budget runs out.
type Handler func(ctx context.Context, ev *Event) error

type registration struct {
	handlers map[string]Handler // event type → handler, "" matches all
}

// Stats count drain outcomes per domain.
type Stats struct {
	Drained      int64 `json:"drained"`
	Published    int64 `json:"published"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Unhandled    int64 `json:"unhandled"`
}

// Consumer polls the outbox across every active shard.
type Consumer struct {
	cfg      config.OutboxConfig
	database *db.Service
	locks    *lock.Service
	logger   *log.Logger

	mu      sync.Mutex
	domains map[string]*registration
	stats   map[string]*Stats

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(cfg config.OutboxConfig, database *db.Service, locks *lock.Service, logger *log.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		database: database,
		locks:    locks,
		logger:   logger.Named("outbox"),
		domains:  make(map[string]*registration),
		stats:    make(map[string]*Stats),
	}
}

// RegisterHandler binds handler to (domain, eventType). An empty eventType
// is the domain's catch-all.
func (c *Consumer) RegisterHandler(domain, eventType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.domains[domain]
	if !ok {
		reg = &registration{handlers: make(map[string]Handler)}
		c.domains[domain] = reg
		c.stats[domain] = &Stats{}
	}
	reg.handlers[eventType] = handler
	c.logger.Info("Registered outbox handler",
		zap.String("domain", domain),
		zap.String("event_type", eventType))
}

// Start launches the poll loop.
func (c *Consumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.drainAll(runCtx)
			}
		}
	}()
	c.logger.Info("Outbox consumer started", zap.Duration("poll_interval", c.cfg.PollInterval))
}

// Stop cancels the loop; the in-flight drain round finishes.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Consumer) drainAll(ctx context.Context) {
	c.mu.Lock()
	domains := make([]string, 0, len(c.domains))
	for d := range c.domains {
		domains = append(domains, d)
	}
	c.mu.Unlock()
	for _, domain := range domains {
		c.drainDomain(ctx, domain)
	}
}

// drainDomain claims the domain lock, then walks every active shard.
func (c *Consumer) drainDomain(ctx context.Context, domain string) {
	lockKey := "outbox_consumer:" + domain
	ok, err := c.locks.WithLock(ctx, lockKey, time.Minute, 0, func(ctx context.Context) error {
		shards, err := c.database.ActiveShardIDs(ctx)
		if err != nil {
			return fmt.Errorf("active shards: %w", err)
		}
		for _, shardID := range shards {
			c.drainShard(ctx, domain, shardID)
		}
		return nil
	})
	if err != nil && ok {
		c.logger.Error("Outbox drain failed", zap.String("domain", domain), zap.Error(err))
	}
}

func (c *Consumer) drainShard(ctx context.Context, domain string, shardID int) {
	rows, err := c.database.CallShardProcedureByShardID(ctx, shardID, "fp_universal_outbox_get_pending",
		domain, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("Failed to read pending outbox events",
			zap.String("domain", domain), zap.Int("shard", shardID), zap.Error(err))
		return
	}
	data, err := db.Check(rows)
	if err != nil {
		c.logger.Error("Outbox read rejected",
			zap.String("domain", domain), zap.Int("shard", shardID), zap.Error(err))
		return
	}

	stats := c.statsFor(domain)
	for _, row := range data {
		ev := eventFromRow(row, domain)
		c.mu.Lock()
		stats.Drained++
		c.mu.Unlock()
		c.process(ctx, shardID, ev, stats)
	}
}

func eventFromRow(row db.Row, domain string) *Event {
	ev := &Event{Domain: domain}
	ev.EventID, _ = row["event_id"].(string)
	ev.EventType, _ = row["event_type"].(string)
	ev.AccountDBKey = uint64(db.AsInt(row["account_db_key"]))
	if payload, ok := row["payload"].(string); ok {
		ev.Payload = json.RawMessage(payload)
	}
	ev.Status, _ = row["status"].(string)
	ev.RetryCount = db.AsInt(row["retry_count"])
	if ts, ok := row["created_at"].(time.Time); ok {
		ev.CreatedAt = ts
	}
	return ev
}

func (c *Consumer) process(ctx context.Context, shardID int, ev *Event, stats *Stats) {
	handler := c.handlerFor(ev.Domain, ev.EventType)
	if handler == nil {
		// An unknown (domain, event_type) is settled as published, not
		// retried: redelivery cannot conjure a handler.
		c.mu.Lock()
		stats.Unhandled++
		c.mu.Unlock()
		c.logger.Warn("No handler for outbox event, skipping",
			zap.String("domain", ev.Domain),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID))
		c.markPublished(ctx, shardID, ev)
		return
	}

	err := c.invoke(ctx, handler, ev)
	if err == nil {
		c.markPublished(ctx, shardID, ev)
		c.mu.Lock()
		stats.Published++
		c.mu.Unlock()
		return
	}
	c.logger.Error("Outbox handler failed",
		zap.String("domain", ev.Domain),
		zap.String("event_id", ev.EventID),
		zap.Int("retry_count", ev.RetryCount),
		zap.Error(err))
	c.markFailed(ctx, shardID, ev, err.Error())
	c.mu.Lock()
	if ev.RetryCount+1 >= c.cfg.MaxRetries {
		stats.DeadLettered++
	} else {
		stats.Failed++
	}
	c.mu.Unlock()
}

func (c *Consumer) invoke(ctx context.Context, handler Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (c *Consumer) markPublished(ctx context.Context, shardID int, ev *Event) {
	rows, err := c.database.CallShardProcedureByShardID(ctx, shardID,
		"fp_universal_outbox_mark_published", ev.EventID)
	if err == nil {
		_, err = db.Check(rows)
	}
	if err != nil {
		c.logger.Error("Failed to mark outbox event published",
			zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

// markFailed charges a retry; the procedure flips the row to dead_letter
// once the retry count reaches the limit passed in.
func (c *Consumer) markFailed(ctx context.Context, shardID int, ev *Event, reason string) {
	rows, err := c.database.CallShardProcedureByShardID(ctx, shardID,
		"fp_universal_outbox_mark_failed", ev.EventID, reason, c.cfg.MaxRetries)
	if err == nil {
		_, err = db.Check(rows)
	}
	if err != nil {
		c.logger.Error("Failed to mark outbox event failed",
			zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

func (c *Consumer) handlerFor(domain, eventType string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.domains[domain]
	if !ok {
		return nil
	}
	if h, ok := reg.handlers[eventType]; ok {
		return h
	}
	return reg.handlers[""]
}

func (c *Consumer) statsFor(domain string) *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[domain]
	if !ok {
		s = &Stats{}
		c.stats[domain] = s
	}
	return s
}

// StatsSnapshot copies the per-domain counters.
func (c *Consumer) StatsSnapshot() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Stats, len(c.stats))
	for d, s := range c.stats {
		out[d] = *s
	}
	return out
}

// RegisterRetentionJobs schedules the daily sweeps that purge settled
// outbox rows past their retention window.
func (c *Consumer) RegisterRetentionJobs(sched *scheduler.Service) error {
	sweep := func(status string, retention time.Duration) scheduler.JobFunc {
		return func(ctx context.Context) error {
			shards, err := c.database.ActiveShardIDs(ctx)
			if err != nil {
				return fmt.Errorf("active shards: %w", err)
			}
			for _, shardID := range shards {
				rows, err := c.database.CallShardProcedureByShardID(ctx, shardID,
					"fp_universal_outbox_cleanup", status, int(retention.Hours()))
				if err == nil {
					_, err = db.Check(rows)
				}
				if err != nil {
					return fmt.Errorf("cleanup shard %d: %w", shardID, err)
				}
			}
			return nil
		}
	}
	if err := sched.Register(scheduler.Job{
		ID:      "outbox_cleanup_published",
		Name:    "purge published outbox rows",
		Type:    scheduler.TypeDaily,
		DailyAt: "03:00",
		LockKey: "outbox_cleanup_published",
		LockTTL: 10 * time.Minute,
		Fn:      sweep(StatusPublished, c.cfg.PublishedRetention),
	}); err != nil {
		return err
	}
	return sched.Register(scheduler.Job{
		ID:      "outbox_cleanup_dead",
		Name:    "purge dead-lettered outbox rows",
		Type:    scheduler.TypeDaily,
		DailyAt: "03:30",
		LockKey: "outbox_cleanup_dead",
		LockTTL: 10 * time.Minute,
		Fn:      sweep(StatusDeadLetter, c.cfg.FailedRetention),
	})
}
