package market

import (
	"context"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderType controls how an order interacts with the book.
type OrderType uint8

const (
	// OrderLimit matches what it can and rests the remainder.
	OrderLimit OrderType = iota
	// OrderPostOnly rests without matching; it fails if it would cross.
	OrderPostOnly
	// OrderImmediateOrCancel matches what it can and never rests.
	OrderImmediateOrCancel
)

func (t OrderType) String() string {
	switch t {
	case OrderLimit:
		return "limit"
	case OrderPostOnly:
		return "post_only"
	case OrderImmediateOrCancel:
		return "immediate_or_cancel"
	default:
		return fmt.Sprintf("order_type(%d)", uint8(t))
	}
}

// OrderParams describes an order. Bid is lend (buy tickets), Ask is borrow
// (sell tickets). MaxQuote caps underlying spent by a lender or received by
// a borrower.
type OrderParams struct {
	Side       orderbook.Side `json:"side"`
	LimitPrice fp32.Price     `json:"limit_price"`
	MaxBase    uint64         `json:"max_base"`
	MaxQuote   uint64         `json:"max_quote"`
	Type       OrderType      `json:"type"`
	AutoStake  bool           `json:"auto_stake"`
	AutoRoll   bool           `json:"auto_roll"`
	// MatchLimit caps the number of fills; zero is unlimited.
	MatchLimit int `json:"match_limit"`

	refinance  bool
	refinances uint64
}

// OrderSummary is the taker's view of a placed order.
type OrderSummary struct {
	OrderTag    uuid.UUID     `json:"order_tag"`
	Key         orderbook.Key `json:"key"`
	Posted      bool          `json:"posted"`
	BasePosted  uint64        `json:"base_posted"`
	QuotePosted uint64        `json:"quote_posted"`
	BaseFilled  uint64        `json:"base_filled"`
	QuoteFilled uint64        `json:"quote_filled"`
	Fills       int           `json:"fills"`
	Fee         uint64        `json:"fee"`
}

// PlaceOrder validates, matches and posts an order in one instruction.
func (m *Market) PlaceOrder(ctx context.Context, signer Signer, p OrderParams) (*OrderSummary, error) {
	var sum *OrderSummary
	err := m.update(ctx, "place_order", func(t *tx) error {
		var err error
		sum, err = t.placeOrder(signer, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(m.label, p.Side.String()).Inc()
	m.logger.Debug("Order placed",
		zap.String("user", signer.User().String()),
		zap.Stringer("side", p.Side),
		zap.Stringer("type", p.Type),
		zap.Stringer("limit", p.LimitPrice),
		zap.Uint64("base_filled", sum.BaseFilled),
		zap.Uint64("base_posted", sum.BasePosted),
		zap.Int("fills", sum.Fills))
	return sum, nil
}

func direction(s orderbook.Side) fp32.Direction {
	if s == orderbook.Bid {
		return fp32.DirectionLend
	}
	return fp32.DirectionBorrow
}

func (t *tx) validateOrder(p OrderParams) error {
	cfg := t.m.cfg
	if t.orderbookPaused {
		return ErrMarketPaused
	}
	if !p.Side.Valid() || p.Type > OrderImmediateOrCancel || p.MatchLimit < 0 {
		return ErrInvalidOrder
	}
	if p.LimitPrice == 0 || p.MaxBase == 0 || p.MaxQuote == 0 {
		return ErrInvalidOrder
	}
	if p.LimitPrice%cfg.TickSize != 0 {
		return ErrInvalidTick
	}
	if p.MaxBase < cfg.MinBaseOrderSize {
		return ErrBelowMinimumSize
	}
	return nil
}

// orderFlags derives the callback flags from the account and the order.
func orderFlags(u *UserAccount, p OrderParams) (orderbook.Flags, error) {
	var f orderbook.Flags
	if u.Margin {
		f |= orderbook.FlagMargin
	}
	switch p.Side {
	case orderbook.Bid:
		if p.AutoStake || u.Margin {
			f |= orderbook.FlagAutoStake
		}
	case orderbook.Ask:
		if p.AutoStake {
			return 0, ErrInvalidOrder
		}
		if u.Margin {
			f |= orderbook.FlagNewDebt
		}
	}
	if p.AutoRoll {
		if !f.Has(orderbook.FlagNewDebt) && !f.Has(orderbook.FlagAutoStake) {
			return 0, ErrInvalidOrder
		}
		f |= orderbook.FlagAutoRoll
	}
	return f, nil
}

type plannedFill struct {
	key   orderbook.Key
	price fp32.Price
	base  uint64
	quote uint64
}

// planFills walks the opposite side in priority order without changing it.
func (t *tx) planFills(taker uuid.UUID, p OrderParams) ([]plannedFill, error) {
	var (
		plan     []plannedFill
		err      error
		remBase  = p.MaxBase
		remQuote = p.MaxQuote
	)
	t.book().Iterate(p.Side.Opposite(), func(k orderbook.Key, o *orderbook.Order) bool {
		if remBase == 0 || remQuote == 0 {
			return false
		}
		if !orderbook.Crosses(p.Side, p.LimitPrice, o.Price) {
			return false
		}
		if o.Owner() == taker {
			return true
		}
		if p.Type == OrderPostOnly {
			err = ErrPostOnlyCrossed
			return false
		}
		if p.MatchLimit > 0 && len(plan) >= p.MatchLimit {
			return false
		}
		base := min(remBase, o.BaseRemaining)
		if byQuote, derr := fp32.DivFloor(remQuote, o.Price); derr == nil && byQuote < base {
			base = byQuote
		}
		quote, qerr := fp32.Quote(base, o.Price, fp32.ActionFill, direction(p.Side))
		if qerr != nil {
			err = qerr
			return false
		}
		if base == 0 || quote == 0 {
			return false
		}
		plan = append(plan, plannedFill{key: k, price: o.Price, base: base, quote: quote})
		remBase -= base
		remQuote -= quote
		return true
	})
	return plan, err
}

func (t *tx) placeOrder(signer Signer, p OrderParams) (*OrderSummary, error) {
	cfg := t.m.cfg
	if err := t.validateOrder(p); err != nil {
		return nil, err
	}
	u, err := t.user(signer.User())
	if err != nil {
		return nil, err
	}
	if signer.Proxied() != u.Margin {
		return nil, ErrUnauthorized
	}
	flags, err := orderFlags(u, p)
	if err != nil {
		return nil, err
	}
	info := orderbook.CallbackInfo{OrderTag: u.nextOrderTag(), Owner: u.ID, Flags: flags}
	if p.refinance {
		info.Flags |= orderbook.FlagRefinance
		info.Refinances = p.refinances
	}

	plan, err := t.planFills(u.ID, p)
	if err != nil {
		return nil, err
	}

	sum := &OrderSummary{OrderTag: info.OrderTag}
	book := t.book()
	makerSide := p.Side.Opposite()
	remBase, remQuote := p.MaxBase, p.MaxQuote

	for _, pf := range plan {
		o, ok := book.Find(makerSide, pf.key)
		if !ok {
			return nil, fmt.Errorf("%w: planned maker %s vanished", ErrNotFound, pf.key)
		}
		o.BaseRemaining -= pf.base
		if makerSide == orderbook.Bid {
			if err := release(&o.QuoteRemaining, pf.quote); err != nil {
				return nil, err
			}
		} else {
			o.QuoteRemaining -= min(o.QuoteRemaining, pf.quote)
		}

		fill := eventqueue.Fill{
			TakerSide:     p.Side,
			MakerKey:      pf.key,
			Maker:         o.Callback,
			Taker:         info,
			Price:         pf.price,
			Base:          pf.base,
			Quote:         pf.quote,
			Timestamp:     t.now,
			MakerMaturity: t.now + cfg.tenor(makerSide),
		}
		var evicted *eventqueue.Out
		switch {
		case o.BaseRemaining == 0:
			fill.MakerDone = true
			if makerSide == orderbook.Bid {
				fill.MakerRefund = o.QuoteRemaining
			}
			if _, err := book.Remove(makerSide, pf.key); err != nil {
				return nil, err
			}
		case o.BaseRemaining < cfg.MinBaseOrderSize:
			rest, err := book.Remove(makerSide, pf.key)
			if err != nil {
				return nil, err
			}
			evicted = &eventqueue.Out{
				Side:      makerSide,
				Key:       pf.key,
				Callback:  rest.Callback,
				Base:      rest.BaseRemaining,
				Quote:     rest.QuoteRemaining,
				Delete:    true,
				Reserved:  true,
				Timestamp: t.now,
			}
		}

		if _, err := t.emit(eventqueue.NewFill(fill)); err != nil {
			return nil, err
		}
		if evicted != nil {
			if _, err := t.emit(eventqueue.NewOut(*evicted)); err != nil {
				return nil, err
			}
		}

		maturity := t.now + cfg.tenor(p.Side)
		if p.Side == orderbook.Bid {
			err = t.settleLend(u, info, pf.base, pf.quote, false, maturity)
		} else {
			var fee uint64
			fee, err = t.settleBorrow(u, info, pf.base, pf.quote, false, maturity)
			sum.Fee += fee
		}
		if err != nil {
			return nil, err
		}

		remBase -= pf.base
		remQuote -= pf.quote
		sum.BaseFilled += pf.base
		sum.QuoteFilled += pf.quote
		sum.Fills++
	}

	if remBase > 0 && remQuote > 0 && p.Type != OrderImmediateOrCancel {
		if err := t.postRemainder(u, info, p, remBase, remQuote, sum); err != nil {
			return nil, err
		}
		remBase -= sum.BasePosted
		remQuote -= min(remQuote, sum.QuotePosted)
	}

	if remBase > 0 {
		out := eventqueue.Out{
			Side:      p.Side,
			Callback:  info,
			Base:      remBase,
			Quote:     remQuote,
			Timestamp: t.now,
		}
		if _, err := t.emit(eventqueue.NewOut(out)); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// postRemainder rests what is left of the order and reserves its funds.
// Remainders below the minimum order size are not posted.
func (t *tx) postRemainder(u *UserAccount, info orderbook.CallbackInfo, p OrderParams, remBase, remQuote uint64, sum *OrderSummary) error {
	cfg := t.m.cfg
	book := t.book()

	base := remBase
	if byQuote, err := fp32.DivFloor(remQuote, p.LimitPrice); err == nil && byQuote < base {
		base = byQuote
	}
	if base < cfg.MinBaseOrderSize {
		return nil
	}
	quote, err := fp32.Quote(base, p.LimitPrice, fp32.ActionPost, direction(p.Side))
	if err != nil {
		return err
	}
	if book.Side(p.Side).Full() {
		return ErrCapacityExceeded
	}

	switch {
	case p.Side == orderbook.Bid:
		if err := debit(&u.Underlying, quote); err != nil {
			return err
		}
		if err := credit(&u.Assets.PostedQuote, quote); err != nil {
			return err
		}
	case info.Flags.Has(orderbook.FlagNewDebt):
		if err := credit(&u.Debt.Pending, base); err != nil {
			return err
		}
	default:
		if err := debit(&u.Tickets, base); err != nil {
			return err
		}
		if err := credit(&u.Assets.PostedTickets, base); err != nil {
			return err
		}
	}

	key := book.NextKey(p.Side, p.LimitPrice)
	order := orderbook.Order{Callback: info, Price: p.LimitPrice, BaseRemaining: base, QuoteRemaining: quote}
	if _, err := book.Insert(p.Side, key, order); err != nil {
		return err
	}
	u.OpenOrders++

	sum.Key = key
	sum.Posted = true
	sum.BasePosted = base
	sum.QuotePosted = quote
	return nil
}
