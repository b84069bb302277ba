// Package messaging connects a market to Kafka: instructions are consumed
// from one topic, results and adapter events are published to others.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("kafka client is closed")

// Config holds broker and topic settings
type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	Brokers          []string      `mapstructure:"brokers" validate:"required_if=Enabled true"`
	GroupID          string        `mapstructure:"group_id"`
	InstructionTopic string        `mapstructure:"instruction_topic"`
	ResultTopic      string        `mapstructure:"result_topic"`
	FeedTopic        string        `mapstructure:"feed_topic"`
	PositionTopic    string        `mapstructure:"position_topic"`
	BatchSize        int           `mapstructure:"batch_size" validate:"gte=1"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RequiredAcks     int           `mapstructure:"required_acks" validate:"oneof=-1 0 1"`
	Compression      string        `mapstructure:"compression" validate:"omitempty,oneof=gzip snappy lz4 zstd"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"gte=1"`
	// RetryDelay is how long the dispatcher waits after a failed fetch.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// DefaultConfig returns configuration tuned for low-latency instruction flow
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "fixedterm-engine",
		InstructionTopic: "fixedterm.instructions",
		ResultTopic:      "fixedterm.results",
		FeedTopic:        "fixedterm.events",
		PositionTopic:    "fixedterm.positions",
		BatchSize:        100,
		BatchTimeout:     5 * time.Millisecond,
		WriteTimeout:     time.Second,
		RequiredAcks:     -1,
		Compression:      "snappy",
		MaxAttempts:      3,
		RetryDelay:       time.Second,
	}
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader used here.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer for topic.
func NewWriter(cfg Config, topic string) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return w
}

// NewReader builds a consumer-group reader for the instruction topic.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.InstructionTopic,
		StartOffset: kafka.FirstOffset,
	})
}

// KafkaClient publishes keyed messages to one topic. Messages for the same
// key land on the same partition and keep their order.
type KafkaClient struct {
	topic  string
	source string
	writer MessageWriter
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewKafkaClient wraps writer. Source is stamped into every message header.
func NewKafkaClient(writer MessageWriter, topic, source string, logger *zap.Logger) *KafkaClient {
	return &KafkaClient{topic: topic, source: source, writer: writer, logger: logger}
}

// PublishEvent publishes data under key.
func (c *KafkaClient) PublishEvent(ctx context.Context, key string, data []byte, headers ...kafka.Header) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	now := time.Now().UTC()
	message := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: append([]kafka.Header{
			{Key: "source", Value: []byte(c.source)},
			{Key: "timestamp", Value: []byte(now.Format(time.RFC3339Nano))},
		}, headers...),
		Time: now,
	}
	if err := c.writer.WriteMessages(ctx, message); err != nil {
		c.logger.Error("Failed to publish to Kafka",
			zap.String("topic", c.topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to publish event to kafka topic %s: %w", c.topic, err)
	}
	metrics.MessagesPublished.WithLabelValues(c.topic).Inc()
	c.logger.Debug("Published message",
		zap.String("topic", c.topic),
		zap.String("key", key),
		zap.Int("data_size", len(data)))
	return nil
}

// Topic returns the topic this client publishes to
func (c *KafkaClient) Topic() string {
	return c.topic
}

// Close closes the Kafka client and releases resources.
func (c *KafkaClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.writer.Close(); err != nil {
		c.logger.Error("Error closing Kafka writer", zap.Error(err))
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
