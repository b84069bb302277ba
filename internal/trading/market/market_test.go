package market

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var half = fp32.Price(0x80000000)

type fixture struct {
	m         *Market
	clock     *ManualClock
	authority Signer
	crank     uuid.UUID
}

func testConfig() Config {
	return Config{
		ID:               uuid.New(),
		Authority:        uuid.New(),
		FeeDestination:   uuid.New(),
		BorrowTenor:      86400,
		LendTenor:        86400,
		TickSize:         1,
		MinBaseOrderSize: 10,
		OrderCapacity:    16,
		EventCapacity:    32,
		MaxAdapters:      4,
	}
}

func newFixture(t require.TestingT, opts ...func(*Config)) *fixture {
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	m, err := NewMarket(cfg, WithClock(clock))
	require.NoError(t, err)

	f := &fixture{m: m, clock: clock, authority: Direct(cfg.Authority), crank: uuid.New()}
	require.NoError(t, m.AuthorizeCrank(context.Background(), f.authority, f.crank))
	return f
}

// lender registers a direct user holding underlying.
func (f *fixture) lender(t require.TestingT, underlying uint64) Signer {
	s := Direct(uuid.New())
	_, err := f.m.RegisterUser(context.Background(), s, false)
	require.NoError(t, err)
	if underlying > 0 {
		require.NoError(t, f.m.DepositUnderlying(context.Background(), s, underlying))
	}
	return s
}

// seller registers a direct user holding tickets.
func (f *fixture) seller(t require.TestingT, tickets uint64) Signer {
	s := Direct(uuid.New())
	_, err := f.m.RegisterUser(context.Background(), s, false)
	require.NoError(t, err)
	if tickets > 0 {
		require.NoError(t, f.m.DepositTickets(context.Background(), s, tickets))
	}
	return s
}

func (f *fixture) marginUser(t require.TestingT) Signer {
	s := Proxy(uuid.New(), uuid.New())
	_, err := f.m.RegisterUser(context.Background(), s, true)
	require.NoError(t, err)
	return s
}

func (f *fixture) user(t require.TestingT, s Signer) *UserAccount {
	u, ok := f.m.User(s.User())
	require.True(t, ok)
	return u
}

func (f *fixture) drain(t require.TestingT) *SettlementReport {
	rep, err := f.m.ConsumeEvents(context.Background(), f.crank, math.MaxInt32)
	require.NoError(t, err)
	return rep
}

func bid(price fp32.Price, base uint64) OrderParams {
	return OrderParams{Side: orderbook.Bid, LimitPrice: price, MaxBase: base, MaxQuote: math.MaxUint64}
}

func ask(price fp32.Price, base uint64) OrderParams {
	return OrderParams{Side: orderbook.Ask, LimitPrice: price, MaxBase: base, MaxQuote: math.MaxUint64}
}

func snapshotJSON(t require.TestingT, m *Market) string {
	b, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)
	return string(b)
}

func TestNewMarket_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TickSize = 0
	_, err := NewMarket(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.OriginationFee = fp32.One
	_, err = NewMarket(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Authority = uuid.Nil
	_, err = NewMarket(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPlaceOrder_SingleFillAgainstRestingLend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.seller(t, 100)

	rest, err := f.m.PlaceOrder(ctx, lender, bid(half, 100))
	require.NoError(t, err)
	assert.True(t, rest.Posted)
	assert.Equal(t, uint64(100), rest.BasePosted)
	assert.Equal(t, uint64(50), rest.QuotePosted)
	assert.Equal(t, uint64(950), f.user(t, lender).Underlying)

	sum, err := f.m.PlaceOrder(ctx, borrower, ask(half, 50))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), sum.BaseFilled)
	assert.Equal(t, uint64(25), sum.QuoteFilled)
	assert.Equal(t, 1, sum.Fills)
	assert.False(t, sum.Posted)

	events := f.m.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, eventqueue.KindFill, events[0].Kind)
	assert.Equal(t, uint64(50), events[0].Fill.Base)
	assert.Equal(t, uint64(25), events[0].Fill.Quote)

	o, ok := f.m.Order(orderbook.Bid, rest.Key)
	require.True(t, ok)
	assert.Equal(t, uint64(50), o.BaseRemaining)

	// taker side settled immediately
	b := f.user(t, borrower)
	assert.Equal(t, uint64(50), b.Tickets)
	assert.Equal(t, uint64(25), b.Underlying)

	rep := f.drain(t)
	assert.Equal(t, 1, rep.Applied)
	l := f.user(t, lender)
	assert.Equal(t, uint64(50), l.Tickets)
	assert.Equal(t, uint64(25), l.Assets.PostedQuote)
	assert.NoError(t, f.m.Audit())
}

func TestPlaceOrder_QueueFullRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.EventCapacity = 2 })
	seller := f.seller(t, 30)
	for i := 0; i < 3; i++ {
		_, err := f.m.PlaceOrder(ctx, seller, ask(half, 10))
		require.NoError(t, err)
	}
	lender := f.lender(t, 100)
	before := snapshotJSON(t, f.m)

	_, err := f.m.PlaceOrder(ctx, lender, bid(half, 30))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, before, snapshotJSON(t, f.m))
	assert.Len(t, f.m.Orders(orderbook.Ask), 3)
	assert.Empty(t, f.m.PendingEvents())
}

func TestPlaceOrder_BookFullFailsWithoutChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.OrderCapacity = 2 })
	lender := f.lender(t, 1000)
	for i := 0; i < 2; i++ {
		_, err := f.m.PlaceOrder(ctx, lender, bid(half, 10))
		require.NoError(t, err)
	}
	before := snapshotJSON(t, f.m)

	_, err := f.m.PlaceOrder(ctx, lender, bid(half, 10))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, CategoryCapacity, Category(err))
	assert.Equal(t, before, snapshotJSON(t, f.m))
}

func TestPlaceOrder_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.TickSize = 4 })
	lender := f.lender(t, 1000)

	tests := []struct {
		name string
		p    OrderParams
		want error
	}{
		{"zero price", bid(0, 20), ErrInvalidOrder},
		{"zero base", bid(half, 0), ErrInvalidOrder},
		{"zero quote", OrderParams{Side: orderbook.Bid, LimitPrice: half, MaxBase: 20}, ErrInvalidOrder},
		{"off tick", bid(half+1, 20), ErrInvalidTick},
		{"below minimum", bid(half, 9), ErrBelowMinimumSize},
		{"auto-roll without stake", OrderParams{Side: orderbook.Ask, LimitPrice: half, MaxBase: 20, MaxQuote: 10, AutoRoll: true}, ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.PlaceOrder(ctx, lender, tt.p)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, CategoryValidation, Category(err))
		})
	}

	_, err := f.m.PlaceOrder(ctx, Direct(uuid.New()), bid(half, 20))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPlaceOrder_SelfTradeIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	both := f.lender(t, 1000)
	require.NoError(t, f.m.DepositTickets(ctx, both, 50))
	other := f.seller(t, 50)

	own, err := f.m.PlaceOrder(ctx, both, ask(half, 20))
	require.NoError(t, err)
	_, err = f.m.PlaceOrder(ctx, other, ask(half+2, 20))
	require.NoError(t, err)

	sum, err := f.m.PlaceOrder(ctx, both, bid(half+2, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fills)
	assert.Equal(t, uint64(20), sum.BaseFilled)

	fills := f.m.PendingEvents()
	require.Len(t, fills, 1)
	assert.Equal(t, other.User(), fills[0].Fill.Maker.Owner)

	_, ok := f.m.Order(orderbook.Ask, own.Key)
	assert.True(t, ok, "self-owned maker must stay on the book")
}

func TestPlaceOrder_PostOnlyCrossing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := f.seller(t, 20)
	lender := f.lender(t, 100)
	_, err := f.m.PlaceOrder(ctx, seller, ask(half, 20))
	require.NoError(t, err)
	before := snapshotJSON(t, f.m)

	p := bid(half, 20)
	p.Type = OrderPostOnly
	_, err = f.m.PlaceOrder(ctx, lender, p)
	assert.ErrorIs(t, err, ErrPostOnlyCrossed)
	assert.Equal(t, before, snapshotJSON(t, f.m))

	p.LimitPrice = half - 2
	sum, err := f.m.PlaceOrder(ctx, lender, p)
	require.NoError(t, err)
	assert.True(t, sum.Posted)
}

func TestPlaceOrder_ImmediateOrCancelEmitsUnpostedOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := f.seller(t, 20)
	lender := f.lender(t, 100)
	_, err := f.m.PlaceOrder(ctx, seller, ask(half, 20))
	require.NoError(t, err)

	p := bid(half, 50)
	p.Type = OrderImmediateOrCancel
	sum, err := f.m.PlaceOrder(ctx, lender, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), sum.BaseFilled)
	assert.False(t, sum.Posted)

	events := f.m.PendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, eventqueue.KindOut, events[1].Kind)
	assert.Equal(t, uint64(30), events[1].Out.Base)
	assert.False(t, events[1].Out.Reserved)
	assert.Empty(t, f.m.Orders(orderbook.Bid))
}

func TestPlaceOrder_MakerBelowMinimumIsEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 100)
	seller := f.seller(t, 15)

	rest, err := f.m.PlaceOrder(ctx, lender, bid(half, 20))
	require.NoError(t, err)
	_, err = f.m.PlaceOrder(ctx, seller, ask(half, 15))
	require.NoError(t, err)

	_, ok := f.m.Order(orderbook.Bid, rest.Key)
	assert.False(t, ok)
	events := f.m.PendingEvents()
	require.Len(t, events, 2)
	out := events[1].Out
	assert.True(t, out.Delete)
	assert.True(t, out.Reserved)
	assert.Equal(t, uint64(5), out.Base)

	f.drain(t)
	l := f.user(t, lender)
	assert.Zero(t, l.OpenOrders)
	assert.Zero(t, l.Assets.PostedQuote)
	assert.Equal(t, uint64(15), l.Tickets)
	assert.NoError(t, f.m.Audit())
}

func TestPlaceOrder_MatchLimitAndPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := f.seller(t, 100)
	lender := f.lender(t, 1000)

	_, err := f.m.PlaceOrder(ctx, seller, ask(half+4, 10))
	require.NoError(t, err)
	first, err := f.m.PlaceOrder(ctx, seller, ask(half, 10))
	require.NoError(t, err)
	second, err := f.m.PlaceOrder(ctx, seller, ask(half, 10))
	require.NoError(t, err)

	p := bid(half+4, 30)
	p.MatchLimit = 2
	p.Type = OrderImmediateOrCancel
	sum, err := f.m.PlaceOrder(ctx, lender, p)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Fills)

	events := f.m.PendingEvents()
	assert.Equal(t, first.Key, events[0].Fill.MakerKey)
	assert.Equal(t, second.Key, events[1].Fill.MakerKey)
	assert.Len(t, f.m.Orders(orderbook.Ask), 1)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 100)
	sum, err := f.m.PlaceOrder(ctx, lender, bid(half, 40))
	require.NoError(t, err)

	_, err = f.m.CancelOrder(ctx, Direct(uuid.New()), orderbook.Bid, sum.Key)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.CancelOrder(ctx, Proxy(lender.User(), uuid.New()), orderbook.Bid, sum.Key)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.CancelOrder(ctx, lender, orderbook.Ask, sum.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	out, err := f.m.CancelOrder(ctx, lender, orderbook.Bid, sum.Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), out.Base)
	assert.Equal(t, uint64(20), out.Quote)
	assert.True(t, out.Delete)

	_, err = f.m.CancelOrder(ctx, lender, orderbook.Bid, sum.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	f.drain(t)
	u := f.user(t, lender)
	assert.Equal(t, uint64(100), u.Underlying)
	assert.Zero(t, u.OpenOrders)
	assert.NoError(t, f.m.Audit())
}

func TestAdmin_RequiresAuthority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 100)

	assert.ErrorIs(t, f.m.PauseOrderMatching(ctx, lender), ErrUnauthorized)
	assert.ErrorIs(t, f.m.PauseOrderMatching(ctx, Proxy(f.authority.User(), uuid.New())), ErrUnauthorized)

	require.NoError(t, f.m.PauseOrderMatching(ctx, f.authority))
	_, err := f.m.PlaceOrder(ctx, lender, bid(half, 20))
	assert.ErrorIs(t, err, ErrMarketPaused)
	require.NoError(t, f.m.ResumeOrderMatching(ctx, f.authority))
	_, err = f.m.PlaceOrder(ctx, lender, bid(half, 20))
	assert.NoError(t, err)

	require.NoError(t, f.m.PauseTickets(ctx, f.authority))
	assert.ErrorIs(t, f.m.DepositTickets(ctx, lender, 10), ErrTicketsPaused)
	require.NoError(t, f.m.ResumeTickets(ctx, f.authority))

	other := uuid.New()
	_, err = f.m.ConsumeEvents(ctx, other, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	require.NoError(t, f.m.AuthorizeCrank(ctx, f.authority, other))
	assert.True(t, f.m.IsCrank(other))
	require.NoError(t, f.m.RevokeCrank(ctx, f.authority, other))
	assert.False(t, f.m.IsCrank(other))
}

func TestUserAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := Direct(uuid.New())

	_, err := f.m.RegisterUser(ctx, s, true)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.RegisterUser(ctx, s, false)
	require.NoError(t, err)
	_, err = f.m.RegisterUser(ctx, s, false)
	assert.ErrorIs(t, err, ErrUserExists)

	require.NoError(t, f.m.DepositUnderlying(ctx, s, 10))
	assert.ErrorIs(t, f.m.WithdrawUnderlying(ctx, s, 11), ErrInsufficientFunds)
	assert.ErrorIs(t, f.m.DepositUnderlying(ctx, s, 0), ErrInvalidAmount)
	assert.ErrorIs(t, f.m.CloseUserAccount(ctx, s), ErrAccountNotEmpty)

	require.NoError(t, f.m.WithdrawUnderlying(ctx, s, 10))
	require.NoError(t, f.m.CloseUserAccount(ctx, s))
	_, ok := f.m.User(s.User())
	assert.False(t, ok)
	assert.NoError(t, f.m.Audit())
}

func TestEventAdapters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.MaxAdapters = 1 })
	lender := f.lender(t, 100)
	seller := f.seller(t, 20)

	id, err := f.m.RegisterEventAdapter(ctx, lender, 8, true)
	require.NoError(t, err)
	_, err = f.m.RegisterEventAdapter(ctx, seller, 8, false)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = f.m.PlaceOrder(ctx, lender, bid(half, 20))
	require.NoError(t, err)
	_, err = f.m.PlaceOrder(ctx, seller, ask(half, 20))
	require.NoError(t, err)

	// settlement does not consume the adapter copy
	f.drain(t)
	events, err := f.m.PopAdapterEvents(ctx, lender, id, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventqueue.KindFill, events[0].Kind)

	_, err = f.m.PopAdapterEvents(ctx, seller, id, 10)
	assert.ErrorIs(t, err, eventqueue.ErrNotAdapterOwner)
	require.NoError(t, f.m.RemoveEventAdapter(ctx, lender, id))
	assert.Empty(t, f.m.Adapters())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.marginUser(t)
	_, err := f.m.PlaceOrder(ctx, lender, bid(half, 100))
	require.NoError(t, err)
	_, err = f.m.PlaceOrder(ctx, borrower, ask(half, 40))
	require.NoError(t, err)
	_, err = f.m.RegisterEventAdapter(ctx, lender, 4, false)
	require.NoError(t, err)

	snap := f.m.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := NewMarket(f.m.Config(), WithClock(f.clock))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(&decoded))
	assert.Equal(t, snapshotJSON(t, f.m), snapshotJSON(t, restored))

	other := testConfig()
	assert.ErrorIs(t, restored.Restore(&Snapshot{Config: other}), ErrInvalidSnapshot)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "", Category(nil))
	assert.Equal(t, CategoryArithmetic, Category(fp32.ErrOverflow))
	assert.Equal(t, CategoryNotFound, Category(ErrNotFound))
	assert.Equal(t, CategoryAuthorization, Category(ErrUnauthorized))
	assert.Equal(t, CategoryInternal, Category(ErrInconsistentAccount))
}
