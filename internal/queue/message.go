package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders delivery; lower values are claimed first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// Message is one durable queue entry. Payload is an opaque blob at the
// fabric layer; typed views belong to the domain templates.
type Message struct {
	MessageID    string          `json:"message_id"`
	QueueName    string          `json:"queue_name"`
	Payload      json.RawMessage `json:"payload"`
	MessageType  string          `json:"message_type"`
	Priority     Priority        `json:"priority"`
	PartitionKey string          `json:"partition_key,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	Sequence     int64           `json:"sequence,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	ProducerID   string          `json:"producer_id"`
	LastError    string          `json:"last_error,omitempty"`
}

// NewMessage fills the bookkeeping fields of a message bound for queueName.
func NewMessage(queueName, messageType string, payload json.RawMessage, priority Priority, producerID string) *Message {
	return &Message{
		MessageID:   uuid.NewString(),
		QueueName:   queueName,
		Payload:     payload,
		MessageType: messageType,
		Priority:    priority,
		CreatedAt:   time.Now(),
		ProducerID:  producerID,
	}
}

// Handler consumes one message. A non-nil error re-enqueues the message
// until MaxAttempts, then dead-letters it.
type Handler func(ctx context.Context, msg *Message) error

// EventType names a fan-out event class.
type EventType string

const (
	EventSystemError      EventType = "SYSTEM_ERROR"
	EventPredictionAlert  EventType = "PREDICTION_ALERT"
	EventMarketData       EventType = "MARKET_DATA"
	EventChatMessage      EventType = "CHAT_MESSAGE"
	EventPortfolioUpdate  EventType = "PORTFOLIO_UPDATE"
	EventNotificationSent EventType = "NOTIFICATION_SENT"
)

// Event is delivered at-least-once to every registered handler of its type.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventHandler must be idempotent; delivery is at-least-once.
type EventHandler func(ctx context.Context, ev *Event) error
