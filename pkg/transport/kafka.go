package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaAttemptHeader = "sagaflow-attempt"

// KafkaConfig configures the Kafka adapter.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	// MaxDeliveries routes a message to the dead-letter topic once it was
	// nacked this many times. Zero disables dead-lettering.
	MaxDeliveries int
}

// DefaultKafkaConfig returns production defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       500 * time.Millisecond,
		MaxDeliveries: 10,
	}
}

// KafkaBus carries messages over Kafka topics. Messages are keyed by saga id
// so one saga's traffic stays on one partition.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu   sync.Mutex
	subs []*kafkaSubscription
}

// NewKafkaBus creates a Kafka bus.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("transport: kafka brokers cannot be empty")
	}
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func (b *KafkaBus) topic(channel string) string {
	return b.cfg.TopicPrefix + channel
}

// DeadLetterTopic names the dead-letter topic of channel.
func (b *KafkaBus) DeadLetterTopic(channel string) string {
	return b.topic(channel) + ".dead"
}

// Publish writes payload to the channel topic.
func (b *KafkaBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("transport: channel cannot be empty")
	}
	return b.write(ctx, kafka.Message{
		Topic:   b.topic(channel),
		Key:     []byte(key),
		Value:   payload,
		Headers: attemptHeaders(1),
	})
}

func (b *KafkaBus) write(ctx context.Context, msg kafka.Message) error {
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe opens a group reader on the channel topic.
func (b *KafkaBus) Subscribe(ctx context.Context, channel, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channel == "" || group == "" {
		return nil, fmt.Errorf("transport: channel and group are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    b.topic(channel),
		GroupID:  group,
		MinBytes: b.cfg.MinBytes,
		MaxBytes: b.cfg.MaxBytes,
		MaxWait:  b.cfg.MaxWait,
	})
	sub := &kafkaSubscription{bus: b, channel: channel, reader: reader}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close flushes the writer and closes every reader.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type kafkaSubscription struct {
	bus     *KafkaBus
	channel string
	reader  *kafka.Reader
	once    sync.Once
}

func (s *kafkaSubscription) Next(ctx context.Context) (Delivery, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("transport: fetch %s: %w", s.reader.Config().Topic, err)
	}
	return &kafkaDelivery{sub: s, raw: msg}, nil
}

func (s *kafkaSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.reader.Close() })
	return err
}

type kafkaDelivery struct {
	sub *kafkaSubscription
	raw kafka.Message
}

func (d *kafkaDelivery) Message() Message {
	return Message{
		ID:        fmt.Sprintf("%d:%d", d.raw.Partition, d.raw.Offset),
		Channel:   d.sub.channel,
		Key:       string(d.raw.Key),
		Payload:   d.raw.Value,
		Attempt:   attemptFromHeaders(d.raw.Headers),
		Timestamp: d.raw.Time,
	}
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	if err := d.sub.reader.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("transport: commit %s: %w", d.raw.Topic, err)
	}
	return nil
}

// Nack re-appends the message with a bumped attempt header, or moves it to
// the dead-letter topic, and commits the original offset.
func (d *kafkaDelivery) Nack(ctx context.Context) error {
	bus := d.sub.bus
	attempt := attemptFromHeaders(d.raw.Headers)
	retry := kafka.Message{
		Topic:   d.raw.Topic,
		Key:     d.raw.Key,
		Value:   d.raw.Value,
		Headers: attemptHeaders(attempt + 1),
	}
	if bus.cfg.MaxDeliveries > 0 && attempt >= bus.cfg.MaxDeliveries {
		retry.Topic = bus.DeadLetterTopic(d.sub.channel)
		retry.Headers = attemptHeaders(attempt)
	}
	if err := bus.write(ctx, retry); err != nil {
		return err
	}
	return d.Ack(ctx)
}

func attemptHeaders(attempt int) []kafka.Header {
	return []kafka.Header{{Key: kafkaAttemptHeader, Value: []byte(strconv.Itoa(attempt))}}
}

func attemptFromHeaders(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key != kafkaAttemptHeader {
			continue
		}
		if attempt, err := strconv.Atoi(string(h.Value)); err == nil && attempt > 0 {
			return attempt
		}
	}
	return 1
}
