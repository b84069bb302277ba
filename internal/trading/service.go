package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Aidin1998/fixedterm/internal/trading/eventjournal"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/internal/trading/store"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrNotDurable is returned when an instruction committed in memory but
	// could not be journaled.
	ErrNotDurable = errors.New("instruction applied but not journaled")
	// ErrReplayDiverged is returned when a journaled instruction fails on
	// replay.
	ErrReplayDiverged = errors.New("journal replay diverged")
)

// TradingService defines market operations for dependency injection
type TradingService interface {
	Execute(ctx context.Context, ins *model.Instruction) (*model.Result, error)
	Market() *market.Market
}

// Service owns one market. Every instruction runs with the market clock
// pinned to the time recorded in the journal, so replaying the journal on
// top of a checkpoint rebuilds the same state.
type Service struct {
	logger  *zap.Logger
	market  *market.Market
	clock   *market.ManualClock
	wall    market.Clock
	journal *eventjournal.EventJournal
	store   *store.Store
	every   int
	mopts   []market.Option

	mu    sync.Mutex
	since int
}

var _ TradingService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithWallClock sets the source of instruction timestamps.
func WithWallClock(c market.Clock) Option {
	return func(s *Service) { s.wall = c }
}

// WithStore enables checkpoints every n journaled instructions.
func WithStore(st *store.Store, n int) Option {
	return func(s *Service) {
		s.store = st
		s.every = n
	}
}

// WithMarketOptions passes options through to the market.
func WithMarketOptions(opts ...market.Option) Option {
	return func(s *Service) { s.mopts = append(s.mopts, opts...) }
}

// NewService creates the market and attaches the journal. Call Recover
// before executing instructions.
func NewService(cfg market.Config, journal *eventjournal.EventJournal, opts ...Option) (*Service, error) {
	s := &Service{
		logger:  zap.NewNop(),
		wall:    market.SystemClock,
		journal: journal,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = market.NewManualClock(s.wall.Now())
	mopts := append([]market.Option{market.WithLogger(s.logger)}, s.mopts...)
	mopts = append(mopts, market.WithClock(s.clock))
	m, err := market.NewMarket(cfg, mopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create market: %w", err)
	}
	s.market = m
	s.logger = s.logger.With(zap.String("market", cfg.ID.String()))
	return s, nil
}

func (s *Service) Market() *market.Market { return s.market }

// Recover restores the latest checkpoint, if any, and replays the journal
// entries written after it. It returns the number of replayed instructions.
func (s *Service) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.market.ID()
	var after uint64
	if s.store != nil {
		cp, err := s.store.Latest(id)
		switch {
		case errors.Is(err, store.ErrNoCheckpoint):
			s.logger.Info("No checkpoint found, replaying full journal")
		case err != nil:
			return 0, fmt.Errorf("failed to load checkpoint: %w", err)
		default:
			if err := s.market.Restore(cp.Snapshot); err != nil {
				return 0, err
			}
			after = cp.JournalSeq
			s.clock.Set(cp.TakenAt)
		}
	}
	if seq := s.journal.Seq(); seq < after {
		s.logger.Warn("Journal is behind the checkpoint",
			zap.Uint64("journal_seq", seq),
			zap.Uint64("checkpoint_seq", after))
	}

	replayed := 0
	err := s.journal.ReplayEvents(after, func(ev eventjournal.WALEvent) (bool, error) {
		if ev.EventType != eventjournal.EventTypeInstruction || ev.Market != id {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var ins model.Instruction
		if err := ev.Decode(&ins); err != nil {
			return false, fmt.Errorf("%w: seq %d: %v", ErrReplayDiverged, ev.Seq, err)
		}
		s.clock.Set(ev.Timestamp)
		if _, err := model.Apply(ctx, s.market, &ins); err != nil {
			return false, fmt.Errorf("%w: seq %d %s: %v", ErrReplayDiverged, ev.Seq, ins.Type, err)
		}
		replayed++
		return true, nil
	})
	if err != nil {
		return replayed, err
	}
	s.since = replayed
	metrics.ReplayedInstructions.WithLabelValues(id.String()).Add(float64(replayed))
	metrics.JournalSeq.WithLabelValues(id.String()).Set(float64(s.journal.Seq()))
	s.logger.Info("Market recovered",
		zap.Uint64("checkpoint_seq", after),
		zap.Int("replayed", replayed))
	return replayed, nil
}

// Execute applies one instruction and journals it if it succeeded.
func (s *Service) Execute(ctx context.Context, ins *model.Instruction) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.wall.Now().UTC()
	s.clock.Set(now)
	ins.Timestamp = now
	res, err := model.Apply(ctx, s.market, ins)
	if err != nil {
		return res, err
	}
	seq, err := s.journal.Append(now, s.market.ID(), ins)
	if err != nil {
		s.logger.Error("Failed to journal committed instruction",
			zap.String("type", ins.Type),
			zap.String("instruction", ins.ID.String()),
			zap.Error(err))
		return res, fmt.Errorf("%w: %v", ErrNotDurable, err)
	}
	res.Seq = seq
	metrics.JournalSeq.WithLabelValues(s.market.ID().String()).Set(float64(seq))

	s.since++
	if s.store != nil && s.since >= s.every {
		if err := s.checkpoint(); err != nil {
			s.logger.Warn("Checkpoint failed", zap.Error(err))
		}
	}
	return res, nil
}

// Checkpoint stores a snapshot covering every journaled instruction and
// rotates the journal.
func (s *Service) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint()
}

func (s *Service) checkpoint() error {
	if s.store == nil {
		return nil
	}
	id := s.market.ID()
	cp := &store.Checkpoint{
		MarketID:   id,
		JournalSeq: s.journal.Seq(),
		TakenAt:    s.clock.Now(),
		Snapshot:   s.market.Snapshot(),
	}
	if err := s.store.Save(cp); err != nil {
		metrics.Checkpoints.WithLabelValues(id.String(), "error").Inc()
		return err
	}
	if err := s.journal.Checkpoint(id, cp.TakenAt); err != nil {
		metrics.Checkpoints.WithLabelValues(id.String(), "error").Inc()
		return fmt.Errorf("checkpoint stored but journal not rotated: %w", err)
	}
	s.since = 0
	metrics.Checkpoints.WithLabelValues(id.String(), "ok").Inc()
	return nil
}

// Stop takes a final checkpoint and closes the journal.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.since > 0 {
		errs = append(errs, s.checkpoint())
	}
	errs = append(errs, s.journal.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to stop trading service: %w", err)
	}
	s.logger.Info("Trading service stopped")
	return nil
}
