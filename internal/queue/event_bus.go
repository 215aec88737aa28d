package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	handlerTimeout  = 30 * time.Second
	busRelayChannel = "events:bus"
)

// EventBus fans published events out to locally registered handlers on a
// bounded worker pool and relays them to other nodes over cache pub/sub.
// Registrations are mirrored into a cache hash per event type so operators
// can see which nodes subscribe to what.
type EventBus struct {
	cache  *cache.Client
	logger *log.Logger
	nodeID string

	mu       sync.RWMutex
	handlers map[EventType][]EventHandler

	workers chan struct{}
	wg      sync.WaitGroup
}

func NewEventBus(c *cache.Client, nodeID string, workerCount int, logger *log.Logger) *EventBus {
	if workerCount <= 0 {
		workerCount = 4
	}
	return &EventBus{
		cache:    c,
		logger:   logger.Named("eventbus"),
		nodeID:   nodeID,
		handlers: make(map[EventType][]EventHandler),
		workers:  make(chan struct{}, workerCount),
	}
}

// Subscribe adds a handler for eventType and records the subscription in
// the registry hash. Registry failures are logged, not fatal; the local
// subscription still holds.
func (b *EventBus) Subscribe(ctx context.Context, eventType EventType, handler EventHandler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	count := len(b.handlers[eventType])
	b.mu.Unlock()

	key := fmt.Sprintf("events:%s:handlers", eventType)
	if err := b.cache.HSet(ctx, key, map[string]interface{}{
		b.nodeID: fmt.Sprintf("%d", count),
	}); err != nil {
		b.logger.Warn("Failed to record event subscription",
			zap.String("event_type", string(eventType)), zap.Error(err))
	}
	b.logger.Info("Subscribed event handler", zap.String("event_type", string(eventType)), zap.Int("handlers", count))
}

// busFrame is the pub/sub wire frame for cross-node event relay. Node lets
// the publishing node skip its own echo.
type busFrame struct {
	Node  string `json:"node"`
	Event *Event `json:"event"`
}

// Publish dispatches the event to every local handler, each on its own
// worker slot, then relays it to other nodes over cache pub/sub. Delivery
// is at-least-once; a panicking handler is contained and logged.
func (b *EventBus) Publish(ctx context.Context, ev *Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = b.nodeID
	}

	if err := b.dispatchLocal(ctx, ev); err != nil {
		return err
	}

	data, err := json.Marshal(busFrame{Node: b.nodeID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event frame: %w", err)
	}
	if err := b.cache.Publish(ctx, busRelayChannel, string(data)); err != nil {
		// Local delivery already happened; remote fan-out is best effort.
		b.logger.Warn("Failed to relay event",
			zap.String("event_type", string(ev.EventType)),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
	return nil
}

func (b *EventBus) dispatchLocal(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers[ev.EventType]))
	copy(handlers, b.handlers[ev.EventType])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers for event", zap.String("event_type", string(ev.EventType)))
		return nil
	}

	for _, handler := range handlers {
		handler := handler
		b.wg.Add(1)
		select {
		case b.workers <- struct{}{}:
		case <-ctx.Done():
			b.wg.Done()
			return ctx.Err()
		}
		go func() {
			defer b.wg.Done()
			defer func() { <-b.workers }()
			b.dispatch(ev, handler)
		}()
	}
	return nil
}

func (b *EventBus) dispatch(ev *Event, handler EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_type", string(ev.EventType)),
				zap.String("event_id", ev.EventID),
				zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := handler(ctx, ev); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("event_type", string(ev.EventType)),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
}

// Run delivers events published by other nodes to local handlers. It
// blocks until ctx is cancelled.
func (b *EventBus) Run(ctx context.Context) {
	sub := b.cache.Subscribe(ctx, busRelayChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame busFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil || frame.Event == nil {
				continue
			}
			if frame.Node == b.nodeID {
				continue
			}
			if err := b.dispatchLocal(ctx, frame.Event); err != nil {
				b.logger.Warn("Failed to dispatch relayed event",
					zap.String("event_type", string(frame.Event.EventType)),
					zap.String("event_id", frame.Event.EventID),
					zap.Error(err))
			}
		}
	}
}

// PublishJSON marshals data into the event payload before publishing.
func (b *EventBus) PublishJSON(ctx context.Context, eventType EventType, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return b.Publish(ctx, &Event{EventType: eventType, Data: raw})
}

// Close waits for in-flight handlers to finish.
func (b *EventBus) Close() {
	b.wg.Wait()
}
