// Package memory provides an in-process broker.Broker with the same delivery
// contract as the networked brokers: per-subscription fan-out, competing
// consumers within a subscription, ack-deadline redelivery and flow control.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eventlake/internal/broker"
	"eventlake/internal/logging"
	"eventlake/internal/notify"
)

// Broker is an in-memory broker.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscription
	seq    uint64
	now    func() time.Time
	logger *slog.Logger
	closed bool
}

var _ broker.Broker = (*Broker)(nil)

type entry struct {
	id        string
	data      []byte
	published time.Time
	attempt   int
	deadline  time.Time
}

type subscription struct {
	queue    []*entry
	inflight map[string]*entry
	// ready wakes every receiver when a message becomes deliverable.
	ready *notify.Signal
	fail  error
}

func newSubscription() *subscription {
	return &subscription{inflight: make(map[string]*entry), ready: notify.NewSignal()}
}

func (s *subscription) wake() { s.ready.Notify() }

// Stats reports queue depth for a subscription.
type Stats struct {
	Pending  int
	Inflight int
}

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[string]*subscription),
		now:    time.Now,
		logger: logging.Default(logger).With("component", "broker", "type", "memory"),
	}
}

// EnsureTopic creates the topic if missing.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[string]*subscription)
	}
	return nil
}

// EnsureSubscription creates the subscription if missing. Messages published
// before a subscription exists are not delivered to it.
func (b *Broker) EnsureSubscription(ctx context.Context, sub broker.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, sub.Topic)
	}
	if _, ok := subs[sub.Name]; !ok {
		subs[sub.Name] = newSubscription()
	}
	return nil
}

// Publish enqueues data on every subscription of topic.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("broker closed")
	}
	subs, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
	}
	b.seq++
	id := fmt.Sprintf("%s-%d", topic, b.seq)
	now := b.now()
	for _, s := range subs {
		s.queue = append(s.queue, &entry{id: id, data: data, published: now})
		s.wake()
	}
	return id, nil
}

// Fail makes every current and future Receive on sub return err, simulating
// a transport failure.
func (b *Broker) Fail(sub broker.Subscription, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.lookup(sub); s != nil {
		s.fail = err
		s.wake()
	}
}

// Stats returns pending and in-flight counts.
func (b *Broker) Stats(sub broker.Subscription) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.lookup(sub)
	if s == nil {
		return Stats{}
	}
	return Stats{Pending: len(s.queue), Inflight: len(s.inflight)}
}

func (b *Broker) lookup(sub broker.Subscription) *subscription {
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return nil
	}
	return subs[sub.Name]
}

// Receive delivers messages to h until ctx is done. Delivery pauses while
// MaxOutstandingMessages are unacknowledged; messages whose AckDeadline
// passes are requeued at the front.
func (b *Broker) Receive(ctx context.Context, sub broker.Subscription, settings broker.ReceiveSettings, h broker.Handler) error {
	settings = settings.WithDefaults()
	b.mu.Lock()
	s := b.lookup(sub)
	b.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %s/%s", broker.ErrSubscriptionNotFound, sub.Topic, sub.Name)
	}

	tick := time.NewTicker(min(settings.AckDeadline/4, 250*time.Millisecond))
	defer tick.Stop()

	for {
		// Taken before next so a wake between the two is not lost.
		wakeup := s.ready.C()
		msg, err := b.next(s, settings)
		if err != nil {
			return err
		}
		if msg != nil {
			h(ctx, msg)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wakeup:
		case <-tick.C:
			b.expire(s)
		}
	}
}

// next pops one deliverable message, or returns nil when the queue is empty
// or flow control is engaged.
func (b *Broker) next(s *subscription, settings broker.ReceiveSettings) (*broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if len(s.queue) == 0 || len(s.inflight) >= settings.MaxOutstandingMessages {
		return nil, nil
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	e.attempt++
	e.deadline = b.now().Add(settings.AckDeadline)
	s.inflight[e.id] = e
	attempt := e.attempt

	settle := func(requeue bool) func() {
		return func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			cur, ok := s.inflight[e.id]
			// A redelivered copy owns the entry now; late settles are ignored.
			if !ok || cur.attempt != attempt {
				return
			}
			delete(s.inflight, e.id)
			if requeue {
				s.queue = append([]*entry{e}, s.queue...)
			}
			s.wake()
		}
	}
	return broker.NewMessage(e.id, e.data, e.published, settle(false), settle(true)), nil
}

func (b *Broker) expire(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var expired []*entry
	for id, e := range s.inflight {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(s.inflight, id)
		}
	}
	if len(expired) > 0 {
		b.logger.Debug("ack deadline passed, redelivering", "count", len(expired))
		s.queue = append(expired, s.queue...)
		s.wake()
	}
}

// Close stops accepting publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// NewFactory returns a broker.Factory for in-memory brokers. Params are
// ignored.
func NewFactory() broker.Factory {
	return func(_ map[string]string, logger *slog.Logger) (broker.Broker, error) {
		return New(logger), nil
	}
}
