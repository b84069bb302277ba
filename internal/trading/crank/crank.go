// Package crank runs the background work a market needs to make progress:
// settling the event queue, rolling matured auto-roll obligations and
// pumping adapter events to the feed.
package crank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config controls the crank loop
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	ID           string        `mapstructure:"id" validate:"required_if=Enabled true,omitempty,uuid"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	// RollInterval of zero disables the roller.
	RollInterval time.Duration `mapstructure:"roll_interval"`
	LeaseKey     string        `mapstructure:"lease_key"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	// FeedCapacity of zero disables the adapter pump.
	FeedCapacity int `mapstructure:"feed_capacity" validate:"gte=0"`
	FeedBatch    int `mapstructure:"feed_batch" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    64,
		PollInterval: 200 * time.Millisecond,
		RetryDelay:   2 * time.Second,
		RollInterval: 30 * time.Second,
		LeaseKey:     "fixedterm:crank",
		LeaseTTL:     10 * time.Second,
		FeedCapacity: 1024,
		FeedBatch:    128,
	}
}

// Executor applies instructions to the market.
type Executor interface {
	Execute(ctx context.Context, ins *model.Instruction) (*model.Result, error)
}

// Publisher publishes keyed payloads to the event feed.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, data []byte, headers ...kafka.Header) error
}

// Crank drives one market. Instructions go through the Executor so they
// are journaled like any other; reads use the market directly.
type Crank struct {
	cfg     Config
	id      uuid.UUID
	exec    Executor
	market  *market.Market
	lease   Lease
	history model.Repository
	feed    Publisher
	logger  *zap.SugaredLogger
	now     func() time.Time

	adapter  uuid.UUID
	lastRoll time.Time
	leader   bool
}

type Option func(*Crank)

// WithHistory records settlement reports and feed fills.
func WithHistory(repo model.Repository) Option {
	return func(c *Crank) { c.history = repo }
}

// WithFeed enables the adapter pump.
func WithFeed(p Publisher) Option {
	return func(c *Crank) { c.feed = p }
}

func WithNow(now func() time.Time) Option {
	return func(c *Crank) { c.now = now }
}

func New(cfg Config, id uuid.UUID, exec Executor, m *market.Market, lease Lease, logger *zap.SugaredLogger, opts ...Option) *Crank {
	c := &Crank{
		cfg:    cfg,
		id:     id,
		exec:   exec,
		market: m,
		lease:  lease,
		logger: logger.With("crank", id.String(), "market", m.ID().String()),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run works until ctx is cancelled, then releases the lease.
func (c *Crank) Run(ctx context.Context) error {
	c.logger.Infow("Starting crank",
		"batch_size", c.cfg.BatchSize,
		"poll_interval", c.cfg.PollInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.stop()
			return ctx.Err()
		case <-timer.C:
			timer.Reset(c.tick(ctx))
		}
	}
}

func (c *Crank) stop() {
	c.setLeader(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.lease.Release(ctx); err != nil {
		c.logger.Warnw("Failed to release crank lease", "error", err)
	}
	c.logger.Info("Crank stopped")
}

// tick runs one iteration and returns how long to wait before the next.
func (c *Crank) tick(ctx context.Context) time.Duration {
	label := c.market.ID().String()
	held, err := c.lease.Acquire(ctx)
	if err != nil {
		metrics.CrankRuns.WithLabelValues(label, "lease", "error").Inc()
		c.logger.Warnw("Crank lease unavailable", "error", err)
		c.setLeader(false)
		return c.cfg.RetryDelay
	}
	c.setLeader(held)
	if !held {
		return c.cfg.PollInterval
	}

	rep, err := c.Settle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		c.logger.Errorw("Settlement failed", "error", err)
		return c.cfg.RetryDelay
	}

	if c.feed != nil && c.cfg.FeedCapacity > 0 {
		if _, err := c.Pump(ctx); err != nil && ctx.Err() == nil {
			c.logger.Errorw("Feed pump failed", "error", err)
			return c.cfg.RetryDelay
		}
	}

	if c.cfg.RollInterval > 0 {
		now := c.now()
		if now.Sub(c.lastRoll) >= c.cfg.RollInterval {
			c.lastRoll = now
			if _, err := c.Roll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Errorw("Roll pass failed", "error", err)
				return c.cfg.RetryDelay
			}
		}
	}

	if rep != nil && rep.Head.Count > 0 {
		return 0
	}
	return c.cfg.PollInterval
}

func (c *Crank) setLeader(held bool) {
	if held == c.leader {
		return
	}
	c.leader = held
	v := 0.0
	if held {
		v = 1
		c.logger.Info("Crank lease acquired")
	} else {
		c.logger.Info("Crank lease lost")
	}
	metrics.CrankLeader.WithLabelValues(c.market.ID().String()).Set(v)
}

// Settle consumes one batch of queued events. It returns nil without
// submitting anything when the queue is empty.
func (c *Crank) Settle(ctx context.Context) (*market.SettlementReport, error) {
	if c.market.QueueHeader().Count == 0 {
		return nil, nil
	}
	label := c.market.ID().String()
	start := time.Now()
	res, err := c.submit(ctx, &model.Instruction{
		Type: model.TypeConsumeEvents,
		Max:  c.cfg.BatchSize,
	})
	if err != nil {
		metrics.CrankRuns.WithLabelValues(label, "settle", "error").Inc()
		return nil, err
	}
	metrics.CrankRuns.WithLabelValues(label, "settle", "ok").Inc()
	rep := res.Report
	if rep == nil {
		return nil, nil
	}
	if len(rep.Skipped) > 0 {
		c.logger.Warnw("Settlement skipped events", "skipped", len(rep.Skipped), "processed", rep.Processed)
	}
	if c.history != nil {
		s := model.NewSettlement(c.market.ID(), c.id, rep, time.Since(start), c.now().UTC())
		if err := c.history.RecordSettlement(ctx, s); err != nil {
			c.logger.Warnw("Failed to record settlement", "error", err)
		}
	}
	return rep, nil
}

// submit stamps the instruction with the crank identity and executes it.
func (c *Crank) submit(ctx context.Context, ins *model.Instruction) (*model.Result, error) {
	ins.ID = uuid.New()
	ins.Market = c.market.ID()
	ins.Signer = model.Signer{User: c.id}
	res, err := c.exec.Execute(ctx, ins)
	if err != nil {
		return res, fmt.Errorf("%s: %w", ins.Type, err)
	}
	return res, nil
}

// rejected reports whether err is a business rejection rather than an
// infrastructure failure.
func rejected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return model.Category(err) != market.CategoryInternal
}
