package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/pollen-risk-service/internal/observability"
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaPublisher writes prediction events to Kafka with an async writer. Delivery
// failures are logged and counted from the writer's completion callback.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for cfg.Topic (DefaultTopic when empty).
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{topic: cfg.Topic, logger: logger}
	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		Completion:   p.completion,
	}
	return p, nil
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Publish encodes e and queues it. Messages are keyed by suburb so one suburb's
// events stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e PredictionEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encode prediction event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strings.ToLower(e.Suburb)),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "event-id", Value: []byte(e.EventID)},
		},
	}
	if e.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: "correlation-id", Value: []byte(e.CorrelationID)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	observability.EventsPublishedTotal.WithLabelValues("queued").Inc()
	return nil
}

func (p *KafkaPublisher) completion(msgs []kafkago.Message, err error) {
	if err == nil {
		observability.EventsPublishedTotal.WithLabelValues("delivered").Add(float64(len(msgs)))
		return
	}
	observability.EventsPublishedTotal.WithLabelValues("failed").Add(float64(len(msgs)))
	p.logger.Warn("prediction event delivery failed",
		zap.String("topic", p.topic),
		zap.Int("messages", len(msgs)),
		zap.Error(err))
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("closing writer for topic %s: %w", p.topic, err)
	}
	return nil
}
