// Package kafka implements broker.Broker on Apache Kafka using franz-go.
//
// Topics map to Kafka topics and subscriptions to consumer groups. Kafka
// acknowledges by committed offset, so per-message acks are tracked locally
// and the commit point advances only over acknowledged prefixes.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"eventlake/internal/broker"
	"eventlake/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka broker configuration.
type Config struct {
	Brokers           []string
	TLS               bool
	SASL              *SASLConfig
	Partitions        int32
	ReplicationFactor int16
	Logger            *slog.Logger
}

// Broker publishes through one shared client and opens a consumer-group
// client per Receive call.
type Broker struct {
	cfg    Config
	client *kgo.Client
	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// Kafka brokers reject session timeouts outside this range by default.
const (
	minSessionTimeout = 6 * time.Second
	maxSessionTimeout = 300 * time.Second
)

// New creates a Kafka broker. No connection is made until first use.
func New(cfg Config) (*Broker, error) {
	opts, err := cfg.baseOpts()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Broker{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "broker", "type", "kafka"),
	}, nil
}

func (cfg Config) baseOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// Publish produces data to topic and waits for the broker acknowledgment.
// The returned id is "topic/partition/offset".
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	res := b.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: data})
	rec, err := res.First()
	if err != nil {
		if errors.Is(err, kerr.UnknownTopicOrPartition) {
			return "", fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
		}
		return "", fmt.Errorf("kafka produce: %w", err)
	}
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset), nil
}

// EnsureTopic creates topic with the configured partitions and replication
// factor. An existing topic is left untouched.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	rt := kmsg.NewCreateTopicsRequestTopic()
	rt.Topic = topic
	rt.NumPartitions = max(b.cfg.Partitions, 1)
	rt.ReplicationFactor = max(b.cfg.ReplicationFactor, 1)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, b.client)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		err := kerr.ErrorForCode(t.ErrorCode)
		if err == nil {
			b.logger.Info("created topic", "topic", topic, "partitions", rt.NumPartitions)
			continue
		}
		if errors.Is(err, kerr.TopicAlreadyExists) {
			continue
		}
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

// EnsureSubscription verifies the topic exists. Consumer groups are created
// by the cluster on first join.
func (b *Broker) EnsureSubscription(ctx context.Context, sub broker.Subscription) error {
	return b.topicExists(ctx, sub.Topic)
}

func (b *Broker) topicExists(ctx context.Context, topic string) error {
	req := kmsg.NewPtrMetadataRequest()
	rt := kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, b.client)
	if err != nil {
		return fmt.Errorf("topic metadata %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			if errors.Is(err, kerr.UnknownTopicOrPartition) {
				return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, topic)
			}
			return fmt.Errorf("topic metadata %s: %w", topic, err)
		}
	}
	return nil
}

// sessionTimeout maps the ack deadline onto the group session timeout: a
// consumer that stops heartbeating for that long loses its partitions and
// their uncommitted records are redelivered elsewhere.
func sessionTimeout(ackDeadline time.Duration) time.Duration {
	return min(max(ackDeadline, minSessionTimeout), maxSessionTimeout)
}

// Receive joins the consumer group sub.Name on sub.Topic and dispatches
// records to h one at a time until ctx is done.
func (b *Broker) Receive(ctx context.Context, sub broker.Subscription, settings broker.ReceiveSettings, h broker.Handler) error {
	settings = settings.WithDefaults()
	if err := b.topicExists(ctx, sub.Topic); err != nil {
		return err
	}

	var tr *tracker
	opts, err := b.cfg.baseOpts()
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumeTopics(sub.Topic),
		kgo.ConsumerGroup(sub.Name),
		kgo.AutoCommitMarks(),
		kgo.SessionTimeout(sessionTimeout(settings.AckDeadline)),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				b.logger.Warn("commit on revoke failed", "error", err)
			}
			tr.drop(revoked)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			tr.drop(lost)
		}),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	tr = newTracker(func(rec *kgo.Record) { client.MarkCommitRecords(rec) })
	defer func() {
		if err := client.CommitMarkedOffsets(context.Background()); err != nil {
			b.logger.Warn("final commit failed", "error", err)
		}
		client.Close()
	}()

	b.logger.Info("kafka consumer started",
		"brokers", b.cfg.Brokers,
		"topic", sub.Topic,
		"group", sub.Name,
		"max_outstanding", settings.MaxOutstandingMessages,
	)

	poll := min(settings.AckDeadline/4, 250*time.Millisecond)
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		for {
			d, attempt := tr.next(time.Now(), settings.AckDeadline, settings.MaxOutstandingMessages)
			if d == nil {
				break
			}
			msg := broker.NewMessage(
				fmt.Sprintf("%s/%d/%d", d.rec.Topic, d.rec.Partition, d.rec.Offset),
				d.rec.Value, d.rec.Timestamp,
				func() { tr.settle(d, attempt, false) },
				func() { tr.settle(d, attempt, true) },
			)
			h(ctx, msg)
			if ctx.Err() != nil {
				b.logger.Info("kafka consumer stopping")
				return nil
			}
		}

		if room := tr.room(settings.MaxOutstandingMessages); room > 0 {
			pctx, cancel := context.WithTimeout(ctx, poll)
			fetches := client.PollRecords(pctx, room)
			cancel()
			if ctx.Err() != nil {
				b.logger.Info("kafka consumer stopping")
				return nil
			}
			if err := b.fetchError(fetches); err != nil {
				return err
			}
			tr.add(fetches.Records())
		} else {
			select {
			case <-ctx.Done():
				b.logger.Info("kafka consumer stopping")
				return nil
			case <-tr.signal:
			case <-tick.C:
			}
		}

		if n := tr.expire(time.Now()); n > 0 {
			b.logger.Debug("ack deadline passed, redelivering", "count", n)
		}
	}
}

// fetchError logs retriable fetch errors and returns the first fatal one.
func (b *Broker) fetchError(fetches kgo.Fetches) error {
	for _, e := range fetches.Errors() {
		if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled) {
			continue
		}
		if errors.Is(e.Err, kgo.ErrClientClosed) || !kerr.IsRetriable(e.Err) {
			return fmt.Errorf("kafka fetch %s/%d: %w", e.Topic, e.Partition, e.Err)
		}
		b.logger.Warn("kafka fetch error",
			"topic", e.Topic,
			"partition", e.Partition,
			"error", e.Err,
		)
	}
	return nil
}

// Close flushes pending produces and closes the client.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.client.Flush(ctx)
	b.client.Close()
	return err
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
