package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/db"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/gateway"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/ws"

	"go.uber.org/zap"
)

const (
	maxDeliveryAttempts = 3
	contactCacheTTL     = time.Hour
	shardLockTTL        = 30 * time.Second
)

// WebSocketSender is the slice of the websocket service the consumer
// needs.
type WebSocketSender interface {
	SendToUser(userID string, env *ws.Envelope) int
}

// ConsumerStats count flush outcomes.
type ConsumerStats struct {
	Buffered  int64 `json:"buffered"`
	Persisted int64 `json:"persisted"`
	Sent      int64 `json:"sent"`
	Requeued  int64 `json:"requeued"`
	Dropped   int64 `json:"dropped"`
}

// Consumer drains the persistence queue into per-shard buffers and flushes
// them in batches, one shard at a time under a shard lock so concurrent
// nodes never interleave writes to the same shard.
type Consumer struct {
	cfg      config.NotificationConfig
	cache    *cache.Client
	database *db.Service
	locks    *lock.Service
	email    *gateway.EmailGateway
	sms      *gateway.SMSGateway
	sockets  WebSocketSender
	logger   *log.Logger

	mu      sync.Mutex
	buffers map[int][]*Delivery
	stats   ConsumerStats

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(cfg config.NotificationConfig, c *cache.Client, database *db.Service, locks *lock.Service, email *gateway.EmailGateway, sms *gateway.SMSGateway, sockets WebSocketSender, logger *log.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		cache:    c,
		database: database,
		locks:    locks,
		email:    email,
		sms:      sms,
		sockets:  sockets,
		logger:   logger.Named("notify_persistence"),
		buffers:  make(map[int][]*Delivery),
	}
}

// Register attaches the consumer to the persistence queue.
func (c *Consumer) Register(q *queue.Service, nodeID string) {
	q.RegisterMessageConsumer(PersistenceQueue, "persistence:"+nodeID, c.handle)
}

// handle buffers one delivery. Buffering acks the message; from here the
// buffer plus the retry counter own it.
func (c *Consumer) handle(ctx context.Context, msg *queue.Message) error {
	var d Delivery
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		return fmt.Errorf("unmarshal delivery: %w", err)
	}
	c.mu.Lock()
	c.buffers[d.ShardID] = append(c.buffers[d.ShardID], &d)
	full := len(c.buffers[d.ShardID]) >= c.cfg.BatchSize
	c.stats.Buffered++
	c.mu.Unlock()
	if full {
		c.flushShard(ctx, d.ShardID)
	}
	return nil
}

// Start launches the interval flusher.
func (c *Consumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.flushAll(runCtx)
			}
		}
	}()
}

// Stop flushes what is buffered, then returns.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.flushAll(flushCtx)
}

func (c *Consumer) flushAll(ctx context.Context) {
	c.mu.Lock()
	shards := make([]int, 0, len(c.buffers))
	for id, buf := range c.buffers {
		if len(buf) > 0 {
			shards = append(shards, id)
		}
	}
	c.mu.Unlock()
	for _, id := range shards {
		c.flushShard(ctx, id)
	}
}

func (c *Consumer) flushShard(ctx context.Context, shardID int) {
	c.mu.Lock()
	batch := c.buffers[shardID]
	if len(batch) > c.cfg.BatchSize {
		c.buffers[shardID] = batch[c.cfg.BatchSize:]
		batch = batch[:c.cfg.BatchSize]
	} else {
		c.buffers[shardID] = nil
	}
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	lockKey := fmt.Sprintf("notification_save_shard_%d", shardID)
	token, ok, err := c.locks.TryAcquire(ctx, lockKey, shardLockTTL)
	if err != nil || !ok {
		if err != nil {
			c.logger.Error("Shard flush lock error", zap.Int("shard", shardID), zap.Error(err))
		}
		c.requeue(shardID, batch)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.locks.Release(releaseCtx, lockKey, token); err != nil {
			c.logger.Error("Failed to release shard flush lock", zap.Int("shard", shardID), zap.Error(err))
		}
	}()

	var failed []*Delivery
	for _, d := range batch {
		if err := c.deliver(ctx, d); err != nil {
			c.logger.Error("Delivery failed",
				zap.String("notification_id", d.Notification.NotificationID),
				zap.String("channel", string(d.Channel)),
				zap.Int("attempts", d.Attempts),
				zap.Error(err))
			d.Attempts++
			if d.Attempts >= maxDeliveryAttempts {
				c.mu.Lock()
				c.stats.Dropped++
				c.mu.Unlock()
				c.logger.Warn("Dropping delivery after repeated failures",
					zap.String("notification_id", d.Notification.NotificationID),
					zap.String("channel", string(d.Channel)))
				continue
			}
			failed = append(failed, d)
		}
	}
	if len(failed) > 0 {
		c.requeue(shardID, failed)
	}
}

func (c *Consumer) requeue(shardID int, items []*Delivery) {
	c.mu.Lock()
	c.buffers[shardID] = append(items, c.buffers[shardID]...)
	c.stats.Requeued += int64(len(items))
	c.mu.Unlock()
}

func (c *Consumer) deliver(ctx context.Context, d *Delivery) error {
	n := d.Notification
	switch d.Channel {
	case ChannelInApp:
		data, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		rows, err := c.database.CallShardProcedureByShardID(ctx, d.ShardID, "fp_notification_save",
			n.AccountDBKey, n.NotificationID, n.Type, n.Title, n.Body, string(data), n.Priority)
		if err != nil {
			return err
		}
		if _, err := db.Check(rows); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.Persisted++
		c.mu.Unlock()
		return nil

	case ChannelWebSocket:
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		reached := c.sockets.SendToUser(strconv.FormatUint(n.AccountDBKey, 10), &ws.Envelope{
			Type: "notification",
			Data: payload,
		})
		if reached == 0 {
			// User went offline between resolution and flush; not retryable.
			c.logger.Debug("No live socket at flush time",
				zap.Uint64("account_db_key", n.AccountDBKey))
		}
		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
		return nil

	case ChannelEmail:
		email, _, err := c.contact(ctx, n.AccountDBKey)
		if err != nil {
			return err
		}
		if email == "" {
			return errs.Newf(errs.KindNotFound, "no email for account %d", n.AccountDBKey)
		}
		if err := c.email.Send(ctx, email, n.Title, n.Body, n.Type); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
		return nil

	case ChannelSMS:
		_, phone, err := c.contact(ctx, n.AccountDBKey)
		if err != nil {
			return err
		}
		if phone == "" {
			return errs.Newf(errs.KindNotFound, "no phone for account %d", n.AccountDBKey)
		}
		if err := c.sms.Send(ctx, phone, n.Title+" "+n.Body); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
		return nil

	case ChannelPush:
		// No push provider wired yet; acknowledged and counted.
		c.logger.Debug("Push delivery skipped, no provider",
			zap.String("notification_id", n.NotificationID))
		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
		return nil

	default:
		return errs.Newf(errs.KindConfigInvalid, "unknown channel %q", d.Channel)
	}
}

// contact resolves the account's email and phone from the catalog, cached
// for an hour.
func (c *Consumer) contact(ctx context.Context, accountDBKey uint64) (string, string, error) {
	key := fmt.Sprintf("notif:contact:%d", accountDBKey)
	if raw, err := c.cache.Get(ctx, key); err == nil {
		var cached struct {
			Email string `json:"email"`
			Phone string `json:"phone"`
		}
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached.Email, cached.Phone, nil
		}
	}

	rows, err := c.database.CallGlobalProcedure(ctx, "fp_account_contact_get", accountDBKey)
	if err != nil {
		return "", "", fmt.Errorf("load contact: %w", err)
	}
	data, err := db.Check(rows)
	if err != nil {
		return "", "", fmt.Errorf("load contact: %w", err)
	}
	var email, phone string
	if len(data) > 0 {
		email, _ = data[0]["email"].(string)
		phone, _ = data[0]["phone"].(string)
	}
	blob, err := json.Marshal(map[string]string{"email": email, "phone": phone})
	if err == nil {
		if err := c.cache.Set(ctx, key, string(blob), contactCacheTTL); err != nil {
			c.logger.Warn("Contact cache write failed", zap.Error(err))
		}
	}
	return email, phone, nil
}

// Stats snapshots the counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
