package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Executor applies instructions to a market.
type Executor interface {
	Execute(ctx context.Context, ins *model.Instruction) (*model.Result, error)
}

// Publisher publishes keyed payloads.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, data []byte, headers ...kafka.Header) error
}

// Deduplicator remembers instruction ids that were already executed, so a
// message redelivered after a restart is not applied twice.
type Deduplicator interface {
	Seen(ctx context.Context, id uuid.UUID) (bool, error)
	Mark(ctx context.Context, id uuid.UUID) error
}

// RedisDeduplicator keeps executed instruction ids in redis with a TTL.
type RedisDeduplicator struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduplicator(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduplicator) key(id uuid.UUID) string {
	return d.prefix + id.String()
}

func (d *RedisDeduplicator) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduplicator) Mark(ctx context.Context, id uuid.UUID) error {
	if err := d.client.Set(ctx, d.key(id), 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Dispatcher consumes instruction messages, executes them and publishes one
// result per message. Offsets are committed after the result is published.
type Dispatcher struct {
	reader     MessageReader
	exec       Executor
	results    Publisher
	dedup      Deduplicator
	logger     *zap.Logger
	topic      string
	retryDelay time.Duration
}

type DispatcherOption func(*Dispatcher)

// WithRetryDelay sets the pause after a failed fetch.
func WithRetryDelay(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.retryDelay = d }
}

func NewDispatcher(reader MessageReader, exec Executor, results Publisher, dedup Deduplicator, topic string, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reader:     reader,
		exec:       exec,
		results:    results,
		dedup:      dedup,
		logger:     logger,
		topic:      topic,
		retryDelay: DefaultConfig().RetryDelay,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run consumes until ctx is cancelled. Per-message failures are logged and
// the loop continues; a failed fetch waits the retry delay first.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Instruction dispatcher started", zap.String("topic", d.topic))
	for {
		msg, err := d.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("Instruction dispatcher stopped")
				return ctx.Err()
			}
			d.logger.Error("Instruction consume error",
				zap.Duration("retry_in", d.retryDelay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				d.logger.Info("Instruction dispatcher stopped")
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
			continue
		}
		d.handle(ctx, msg)
		if err := d.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			d.logger.Error("Failed to commit instruction offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// handle executes one message and publishes its result.
func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) {
	var ins model.Instruction
	if err := json.Unmarshal(msg.Value, &ins); err != nil {
		metrics.MessagesConsumed.WithLabelValues(d.topic, "malformed").Inc()
		d.logger.Warn("Invalid instruction message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		d.publish(ctx, string(msg.Key), &model.Result{
			Error:    fmt.Errorf("%w: %v", model.ErrMalformed, err).Error(),
			Category: model.Category(model.ErrMalformed),
		})
		return
	}

	if d.dedup != nil && ins.ID != uuid.Nil {
		seen, err := d.dedup.Seen(ctx, ins.ID)
		if err != nil {
			d.logger.Warn("Deduplication check failed", zap.Error(err))
		}
		if seen {
			metrics.MessagesConsumed.WithLabelValues(d.topic, "duplicate").Inc()
			d.logger.Info("Skipping duplicate instruction", zap.String("instruction", ins.ID.String()))
			return
		}
	}

	res, err := d.exec.Execute(ctx, &ins)
	switch {
	case err == nil:
		metrics.MessagesConsumed.WithLabelValues(d.topic, "ok").Inc()
	case errors.Is(err, context.Canceled):
		return
	default:
		metrics.MessagesConsumed.WithLabelValues(d.topic, "rejected").Inc()
		d.logger.Debug("Instruction rejected",
			zap.String("type", ins.Type),
			zap.String("instruction", ins.ID.String()),
			zap.Error(err))
	}
	if res != nil && !res.Failed() && d.dedup != nil && ins.ID != uuid.Nil {
		if err := d.dedup.Mark(ctx, ins.ID); err != nil {
			d.logger.Warn("Failed to record executed instruction", zap.Error(err))
		}
	}
	if res == nil {
		res = &model.Result{Instruction: ins.ID, Type: ins.Type, Market: ins.Market, Error: err.Error(), Category: model.Category(err)}
	}
	d.publish(ctx, ins.Market.String(), res)
}

func (d *Dispatcher) publish(ctx context.Context, key string, res *model.Result) {
	if d.results == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		d.logger.Error("Failed to marshal result", zap.Error(err))
		return
	}
	if err := d.results.PublishEvent(ctx, key, data); err != nil {
		d.logger.Error("Failed to publish result",
			zap.String("instruction", res.Instruction.String()),
			zap.Error(err))
	}
}
