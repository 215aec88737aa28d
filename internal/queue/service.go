package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/google/uuid"
)

// Service is the messaging facade: durable per-queue messages on one side,
// fire-and-forget typed events on the other.
type Service struct {
	queue  *MessageQueue
	bus    *EventBus
	logger *log.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(c *cache.Client, locks *lock.Service, cfg config.QueueConfig, nodeID string, logger *log.Logger) *Service {
	return &Service{
		queue:  NewMessageQueue(c, locks, cfg, nodeID, logger),
		bus:    NewEventBus(c, nodeID, cfg.EventWorkers, logger),
		logger: logger.Named("queue_service"),
	}
}

// Start launches the queue loops and the event relay. Calling Start twice
// is a bug.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.queue.Run(runCtx)
		}()
		go func() {
			defer wg.Done()
			s.bus.Run(runCtx)
		}()
		wg.Wait()
	}()
	s.logger.Info("Queue service started")
}

// Stop cancels the loops and waits for in-flight handlers.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.bus.Close()
	s.logger.Info("Queue service stopped")
}

// SendMessage enqueues payload on queueName. A non-zero delay schedules the
// message into the future. Returns the assigned message id.
func (s *Service) SendMessage(ctx context.Context, queueName, messageType string, payload interface{}, priority Priority, partitionKey string, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &Message{
		MessageID:    uuid.NewString(),
		QueueName:    queueName,
		Payload:      raw,
		MessageType:  messageType,
		Priority:     priority,
		PartitionKey: partitionKey,
		CreatedAt:    time.Now().UTC(),
	}
	if delay > 0 {
		at := time.Now().Add(delay)
		msg.ScheduledAt = &at
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// RegisterMessageConsumer attaches handler to queueName under consumerID.
func (s *Service) RegisterMessageConsumer(queueName, consumerID string, handler Handler) {
	s.queue.RegisterConsumer(queueName, consumerID, handler)
}

// PublishEvent fans an event of eventType out to subscribed handlers.
func (s *Service) PublishEvent(ctx context.Context, eventType EventType, data interface{}) error {
	return s.bus.PublishJSON(ctx, eventType, data)
}

// SubscribeEvent registers a local handler for eventType.
func (s *Service) SubscribeEvent(ctx context.Context, eventType EventType, handler EventHandler) {
	s.bus.Subscribe(ctx, eventType, handler)
}

// Stats returns per-queue counters and sampled depths.
func (s *Service) Stats(ctx context.Context) map[string]QueueStats {
	return s.queue.Stats(ctx)
}

// PeekDeadLetters exposes the DLQ for inspection endpoints.
func (s *Service) PeekDeadLetters(ctx context.Context, queueName string, limit int64) ([]*Message, error) {
	return s.queue.PeekDeadLetters(ctx, queueName, limit)
}

// RequeueDeadLetters replays up to limit dead letters back onto the queue.
func (s *Service) RequeueDeadLetters(ctx context.Context, queueName string, limit int) (int, error) {
	return s.queue.RequeueDeadLetters(ctx, queueName, limit)
}
