// Package broker defines the topic/subscription abstraction connecting the
// ingestion API to indexing workers: at-least-once delivery, explicit
// acknowledgment, an ack deadline and flow-controlled consumption.
//
// Clients are constructed explicitly and closed by their owner; there is no
// package-level client.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults for ReceiveSettings.
const (
	DefaultMaxOutstanding = 100
	DefaultAckDeadline    = 60 * time.Second
)

// ErrTopicNotFound is returned when publishing or subscribing to a topic
// that was never created.
var ErrTopicNotFound = errors.New("topic not found")

// ErrSubscriptionNotFound is returned by Receive for an unknown subscription.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription names a consumer group on a topic.
type Subscription struct {
	Topic string
	Name  string
}

// ReceiveSettings bounds consumption. MaxOutstandingMessages caps delivered
// but unacknowledged messages; AckDeadline is how long a delivered message
// may stay unacknowledged before it becomes eligible for redelivery.
type ReceiveSettings struct {
	MaxOutstandingMessages int
	AckDeadline            time.Duration
}

// WithDefaults fills zero fields.
func (s ReceiveSettings) WithDefaults() ReceiveSettings {
	if s.MaxOutstandingMessages <= 0 {
		s.MaxOutstandingMessages = DefaultMaxOutstanding
	}
	if s.AckDeadline <= 0 {
		s.AckDeadline = DefaultAckDeadline
	}
	return s
}

// Message is one delivery. Ack and Nack are idempotent; only the first call
// has an effect.
type Message struct {
	ID          string
	Data        []byte
	PublishTime time.Time

	once sync.Once
	ack  func()
	nack func()
}

// NewMessage wraps a delivery with its settle callbacks. Either may be nil.
func NewMessage(id string, data []byte, published time.Time, ack, nack func()) *Message {
	return &Message{ID: id, Data: data, PublishTime: published, ack: ack, nack: nack}
}

// Ack settles the message as processed.
func (m *Message) Ack() {
	m.once.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Nack releases the message for redelivery.
func (m *Message) Nack() {
	m.once.Do(func() {
		if m.nack != nil {
			m.nack()
		}
	})
}

// Handler processes one delivery. It is called from a single goroutine per
// Receive call.
type Handler func(ctx context.Context, m *Message)

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) (string, error)
}

// Subscriber consumes a subscription. Receive blocks until ctx is done
// (returning nil) or the transport fails (returning the error).
type Subscriber interface {
	Receive(ctx context.Context, sub Subscription, settings ReceiveSettings, h Handler) error
}

// Admin checks for and creates topics and subscriptions.
type Admin interface {
	EnsureTopic(ctx context.Context, topic string) error
	EnsureSubscription(ctx context.Context, sub Subscription) error
}

// Broker is the full client surface.
type Broker interface {
	Publisher
	Subscriber
	Admin
	Close() error
}

// Factory constructs a Broker from string params.
type Factory func(params map[string]string, logger *slog.Logger) (Broker, error)
