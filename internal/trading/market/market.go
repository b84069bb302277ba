// Package market is the matching and settlement engine of a fixed-term
// lending market.
//
// Lenders bid for tickets and borrowers ask, both quoting the ticket price
// as an fp32 fraction of par. Each instruction runs against a private copy
// of the market state and is committed only if it succeeds, so a failed
// PlaceOrder or CancelOrder never leaves a partial effect. The taker side of
// a match settles while the order is placed; the maker side is settled later
// by an authorized crank calling ConsumeEvents.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures a Market.
type Option func(*Market)

func WithLogger(l *zap.Logger) Option {
	return func(m *Market) { m.logger = l }
}

func WithClock(c Clock) Option {
	return func(m *Market) { m.clock = c }
}

// WithReporter sets the collaborator notified of margin position changes.
func WithReporter(r PositionReporter) Option {
	return func(m *Market) { m.reporter = r }
}

// Market is one fixed-term market. It is safe for concurrent use;
// instructions are serialized.
type Market struct {
	cfg      Config
	label    string
	logger   *zap.Logger
	clock    Clock
	reporter PositionReporter

	mu sync.RWMutex
	st *state
}

// NewMarket initializes a market. The fee destination account is created
// with the market.
func NewMarket(cfg Config, opts ...Option) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		cfg:    cfg,
		label:  cfg.ID.String(),
		logger: zap.NewNop(),
		clock:  SystemClock,
		st:     newState(cfg),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("market", m.label))
	m.st.users[cfg.FeeDestination] = newUserAccount(cfg.FeeDestination, false)

	m.logger.Info("Market initialized",
		zap.Int64("borrow_tenor", cfg.BorrowTenor),
		zap.Int64("lend_tenor", cfg.LendTenor),
		zap.Int("order_capacity", cfg.OrderCapacity),
		zap.Int("event_capacity", cfg.EventCapacity))
	return m, nil
}

func (m *Market) Config() Config      { return m.cfg }
func (m *Market) ID() uuid.UUID       { return m.cfg.ID }
func (m *Market) Clock() Clock        { return m.clock }
func (m *Market) Logger() *zap.Logger { return m.logger }

// update runs fn as one atomic instruction.
func (m *Market) update(ctx context.Context, op string, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	m.mu.Lock()
	t := m.begin()
	err := fn(t)
	var reports []positionReport
	if err == nil {
		reports = t.commit()
		metrics.EventQueueDepth.WithLabelValues(m.label).Set(float64(m.st.events.Len()))
	}
	m.mu.Unlock()

	metrics.ObserveInstruction(m.label, op, start, Category(err))
	if err != nil {
		m.logger.Debug("Instruction rejected", zap.String("op", op), zap.Error(err))
		return err
	}
	if t.fills > 0 {
		metrics.Fills.WithLabelValues(m.label).Add(float64(t.fills))
	}
	if t.dropped > 0 {
		metrics.AdapterDropped.WithLabelValues(m.label).Add(float64(t.dropped))
		m.logger.Warn("Adapter queues full, events dropped", zap.String("op", op), zap.Int("dropped", t.dropped))
	}
	m.deliver(ctx, reports)
	return nil
}

func (m *Market) view(fn func(st *state)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.st)
}

// User returns a copy of the account registered under id.
func (m *Market) User(id uuid.UUID) (*UserAccount, bool) {
	var u *UserAccount
	m.view(func(st *state) {
		if acc, ok := st.users[id]; ok {
			u = acc.clone()
		}
	})
	return u, u != nil
}

// Orders returns side s in priority order.
func (m *Market) Orders(s orderbook.Side) []orderbook.Entry {
	var out []orderbook.Entry
	m.view(func(st *state) { out = st.book.Orders(s) })
	return out
}

// Order returns the resting order under key.
func (m *Market) Order(s orderbook.Side, key orderbook.Key) (orderbook.Order, bool) {
	var (
		o  orderbook.Order
		ok bool
	)
	m.view(func(st *state) {
		var p *orderbook.Order
		if p, ok = st.book.Find(s, key); ok {
			o = *p
		}
	})
	return o, ok
}

// PendingEvents returns the unconsumed events without consuming them.
func (m *Market) PendingEvents() []eventqueue.Event {
	var out []eventqueue.Event
	m.view(func(st *state) { out = st.events.Events() })
	return out
}

func (m *Market) QueueHeader() eventqueue.Header {
	var h eventqueue.Header
	m.view(func(st *state) { h = st.events.Header() })
	return h
}

func (m *Market) Ledger() Ledger {
	var l Ledger
	m.view(func(st *state) { l = st.ledger })
	return l
}

// Paused reports the order matching and ticket pause flags.
func (m *Market) Paused() (matching, tickets bool) {
	m.view(func(st *state) { matching, tickets = st.orderbookPaused, st.ticketsPaused })
	return
}

func (m *Market) IsCrank(id uuid.UUID) bool {
	var ok bool
	m.view(func(st *state) { _, ok = st.cranks[id] })
	return ok
}

// UserIDs returns every registered account id.
func (m *Market) UserIDs() []uuid.UUID {
	var ids []uuid.UUID
	m.view(func(st *state) {
		ids = make([]uuid.UUID, 0, len(st.users))
		for id := range st.users {
			ids = append(ids, id)
		}
	})
	sortIDs(ids)
	return ids
}
