package market

import (
	"context"
	"math"
	"testing"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

// Property: every unit of base submitted ends up filled (counted once for
// the taker and once for the maker), returned through an Out event, or
// resting on the book. Vault totals match the accounts once the queue is
// drained, and no fill pairs an owner with itself.
func TestMarket_BaseConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture(rt, func(c *Config) {
			c.EventCapacity = 64
			c.MaxAdapters = 1
		})
		users := make([]Signer, 3)
		for i := range users {
			users[i] = f.lender(rt, 1_000_000)
			require.NoError(rt, f.m.DepositTickets(ctx, users[i], 1_000_000))
		}
		feed, err := f.m.RegisterEventAdapter(ctx, users[0], 8192, false)
		require.NoError(rt, err)

		var submitted uint64
		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0, 1, 2:
				u := rapid.SampledFrom(users).Draw(rt, "user")
				p := OrderParams{
					Side:       orderbook.Side(rapid.IntRange(0, 1).Draw(rt, "side")),
					LimitPrice: fp32.Price(rapid.Uint64Range(uint64(half)-8, uint64(half)+8).Draw(rt, "price")),
					MaxBase:    rapid.Uint64Range(10, 200).Draw(rt, "base"),
					MaxQuote:   math.MaxUint64,
					Type:       OrderType(rapid.IntRange(0, 2).Draw(rt, "type")),
					MatchLimit: rapid.IntRange(0, 3).Draw(rt, "match_limit"),
				}
				if rapid.Bool().Draw(rt, "cap_quote") {
					p.MaxQuote = rapid.Uint64Range(1, 100).Draw(rt, "quote")
				}
				if _, err := f.m.PlaceOrder(ctx, u, p); err == nil {
					submitted += p.MaxBase
				}
			case 3:
				side := orderbook.Side(rapid.IntRange(0, 1).Draw(rt, "cancel_side"))
				orders := f.m.Orders(side)
				if len(orders) == 0 {
					continue
				}
				e := orders[rapid.IntRange(0, len(orders)-1).Draw(rt, "cancel_idx")]
				_, _ = f.m.CancelOrder(ctx, Direct(e.Order.Owner()), side, e.Key)
			default:
				_, err := f.m.ConsumeEvents(ctx, f.crank, rapid.IntRange(0, 10).Draw(rt, "consume"))
				require.NoError(rt, err)
			}
		}
		rep := f.drain(rt)
		require.Empty(rt, rep.Skipped)

		events, err := f.m.PopAdapterEvents(ctx, users[0], feed, math.MaxInt32)
		require.NoError(rt, err)
		var accounted uint64
		for _, e := range events {
			switch e.Kind {
			case eventqueue.KindFill:
				if e.Fill.Maker.Owner == e.Fill.Taker.Owner {
					rt.Fatalf("event %d matched %s with itself", e.Seq, e.Fill.Maker.Owner)
				}
				accounted += 2 * e.Fill.Base
			case eventqueue.KindOut:
				accounted += e.Out.Base
			}
		}
		for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
			for _, e := range f.m.Orders(side) {
				accounted += e.Order.BaseRemaining
			}
		}
		if accounted != submitted {
			rt.Fatalf("submitted %d base, accounted for %d", submitted, accounted)
		}
		require.NoError(rt, f.m.Audit())
	})
}

// Concurrent instructions must serialize: the outcome equals some sequential
// order of the same instructions.
func TestMarket_ConcurrentPlacementsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.OrderCapacity = 64 })

	lenders := make([]Signer, 16)
	for i := range lenders {
		lenders[i] = f.lender(t, 1000)
	}
	var g errgroup.Group
	for _, l := range lenders {
		l := l
		g.Go(func() error {
			_, err := f.m.PlaceOrder(ctx, l, bid(half, 20))
			return err
		})
	}
	require.NoError(t, g.Wait())

	bids := f.m.Orders(orderbook.Bid)
	require.Len(t, bids, 16)
	seen := make(map[uint64]bool)
	for _, e := range bids {
		seq := e.Key.Sequence(orderbook.Bid)
		assert.False(t, seen[seq], "sequence %d handed out twice", seq)
		seen[seq] = true
	}

	// a crossing ask and a cancel racing for the same resting bid: either the
	// ask fills it or the cancel removes it, never both
	seller := f.seller(t, 20)
	best := bids[0]
	owner := Direct(best.Order.Owner())
	var filled, cancelled bool
	g = errgroup.Group{}
	g.Go(func() error {
		p := ask(half, 20)
		p.Type = OrderImmediateOrCancel
		p.MatchLimit = 1
		sum, err := f.m.PlaceOrder(ctx, seller, p)
		if err == nil && sum.Fills == 1 {
			filled = true
		}
		return err
	})
	g.Go(func() error {
		_, err := f.m.CancelOrder(ctx, owner, orderbook.Bid, best.Key)
		cancelled = err == nil
		return nil
	})
	require.NoError(t, g.Wait())
	assert.True(t, filled, "another resting bid is always available")
	assert.Len(t, f.m.Orders(orderbook.Bid), 14+boolToInt(!cancelled))

	f.drain(t)
	assert.NoError(t, f.m.Audit())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
