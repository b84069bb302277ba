package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errUnknownEvent = errors.New("unknown event kind")

// Skipped is an event whose bookkeeping could not be applied. Skipping is
// final: the event has been consumed.
type Skipped struct {
	Seq    uint64          `json:"seq"`
	Kind   eventqueue.Kind `json:"kind"`
	Reason string          `json:"reason"`
	Err    error           `json:"-"`
}

// SettlementReport summarizes one ConsumeEvents call.
type SettlementReport struct {
	Processed int               `json:"processed"`
	Applied   int               `json:"applied"`
	Skipped   []Skipped         `json:"skipped"`
	Head      eventqueue.Header `json:"head"`
}

// ConsumeEvents settles up to max events in FIFO order. Events that cannot
// be applied are skipped and reported; the rest of the batch still commits.
// Draining an empty queue is not an error.
func (m *Market) ConsumeEvents(ctx context.Context, crank uuid.UUID, max int) (*SettlementReport, error) {
	var (
		rep   *SettlementReport
		kinds map[eventqueue.Kind]int
	)
	err := m.update(ctx, "consume_events", func(t *tx) error {
		var err error
		rep, kinds, err = t.consumeEvents(crank, max)
		return err
	})
	if err != nil {
		return nil, err
	}
	for k, n := range kinds {
		metrics.EventsConsumed.WithLabelValues(m.label, k.String()).Add(float64(n))
	}
	for _, s := range rep.Skipped {
		metrics.EventsSkipped.WithLabelValues(m.label, s.Kind.String()).Inc()
		m.logger.Warn("Settlement skipped event",
			zap.Uint64("seq", s.Seq),
			zap.Stringer("kind", s.Kind),
			zap.String("reason", s.Reason))
	}
	if rep.Processed > 0 {
		m.logger.Debug("Events consumed",
			zap.Int("processed", rep.Processed),
			zap.Int("applied", rep.Applied),
			zap.Int("skipped", len(rep.Skipped)),
			zap.Uint64("head", rep.Head.Head))
	}
	return rep, nil
}

func (t *tx) consumeEvents(crank uuid.UUID, max int) (*SettlementReport, map[eventqueue.Kind]int, error) {
	if !t.isCrank(crank) {
		return nil, nil, ErrUnauthorized
	}
	rep := &SettlementReport{}
	kinds := make(map[eventqueue.Kind]int)
	for _, e := range t.queue().PopN(max) {
		rep.Processed++
		kinds[e.Kind]++

		c := t.child()
		var err error
		switch e.Kind {
		case eventqueue.KindFill:
			err = c.settleMakerFill(e.Fill)
		case eventqueue.KindOut:
			err = c.settleOut(e.Out)
		default:
			err = fmt.Errorf("%w: %d", errUnknownEvent, e.Kind)
		}
		if err != nil {
			rep.Skipped = append(rep.Skipped, Skipped{Seq: e.Seq, Kind: e.Kind, Reason: err.Error(), Err: err})
			continue
		}
		t.merge(c)
		rep.Applied++
	}
	rep.Head = t.queue().Header()
	return rep, kinds, nil
}

func (t *tx) settleMakerFill(f eventqueue.Fill) error {
	u, err := t.user(f.Maker.Owner)
	if err != nil {
		return err
	}
	if f.TakerSide == orderbook.Ask {
		if err := t.settleLendAt(u, f.Maker, f.Base, f.Quote, true, f.Timestamp, f.MakerMaturity); err != nil {
			return err
		}
		if f.MakerRefund > 0 {
			if err := release(&u.Assets.PostedQuote, f.MakerRefund); err != nil {
				return err
			}
			if err := credit(&u.Underlying, f.MakerRefund); err != nil {
				return err
			}
		}
	} else {
		if _, err := t.settleBorrowAt(u, f.Maker, f.Base, f.Quote, true, f.Timestamp, f.MakerMaturity); err != nil {
			return err
		}
	}
	if f.MakerDone {
		return release(&u.OpenOrders, 1)
	}
	return nil
}

// settleOut hands reserved quantity back to the order owner. Outs for
// remainders that were never posted carry nothing to return.
func (t *tx) settleOut(o eventqueue.Out) error {
	if !o.Reserved {
		return nil
	}
	u, err := t.user(o.Callback.Owner)
	if err != nil {
		return err
	}
	switch {
	case o.Side == orderbook.Bid:
		if err := release(&u.Assets.PostedQuote, o.Quote); err != nil {
			return err
		}
		if err := credit(&u.Underlying, o.Quote); err != nil {
			return err
		}
	case o.Callback.Flags.Has(orderbook.FlagNewDebt):
		if err := release(&u.Debt.Pending, o.Base); err != nil {
			return err
		}
	default:
		if err := release(&u.Assets.PostedTickets, o.Base); err != nil {
			return err
		}
		if err := credit(&u.Tickets, o.Base); err != nil {
			return err
		}
	}
	if o.Delete {
		return release(&u.OpenOrders, 1)
	}
	return nil
}

func rollFlag(info orderbook.CallbackInfo) ObligationFlags {
	if info.Flags.Has(orderbook.FlagAutoRoll) {
		return FlagAutoRoll
	}
	return 0
}

func (t *tx) settleLend(u *UserAccount, info orderbook.CallbackInfo, base, quote uint64, reserved bool, maturity int64) error {
	return t.settleLendAt(u, info, base, quote, reserved, t.now, maturity)
}

// settleLendAt applies the lender's side of a fill: quote leaves either the
// free balance or the order's reservation, and base arrives as tickets or,
// with auto-stake, as a term deposit.
func (t *tx) settleLendAt(u *UserAccount, info orderbook.CallbackInfo, base, quote uint64, reserved bool, created, maturity int64) error {
	if reserved {
		if err := release(&u.Assets.PostedQuote, quote); err != nil {
			return err
		}
	} else if err := debit(&u.Underlying, quote); err != nil {
		return err
	}

	if info.Flags.Has(orderbook.FlagAutoStake) {
		_, err := u.addDeposit(info.OrderTag, quote, base, created, maturity, rollFlag(info))
		return err
	}
	if err := credit(&u.Tickets, base); err != nil {
		return err
	}
	return credit(&t.ledger.TicketVault, base)
}

func (t *tx) settleBorrow(u *UserAccount, info orderbook.CallbackInfo, base, quote uint64, reserved bool, maturity int64) (uint64, error) {
	return t.settleBorrowAt(u, info, base, quote, reserved, t.now, maturity)
}

// settleBorrowAt applies the borrower's side of a fill. A new-debt borrower
// takes on a term loan for base and pays the origination fee; a direct
// borrower delivers tickets it already holds. Proceeds of a refinancing
// order go straight to the loan it refinances.
func (t *tx) settleBorrowAt(u *UserAccount, info orderbook.CallbackInfo, base, quote uint64, reserved bool, created, maturity int64) (uint64, error) {
	var fee uint64
	if info.Flags.Has(orderbook.FlagNewDebt) {
		if reserved {
			if err := release(&u.Debt.Pending, base); err != nil {
				return 0, err
			}
		}
		var err error
		if fee, err = fp32.MulFloor(quote, t.m.cfg.OriginationFee); err != nil {
			return 0, err
		}
		if _, err := u.addLoan(info.OrderTag, quote, base, created, maturity, rollFlag(info)); err != nil {
			return 0, err
		}
	} else {
		if reserved {
			if err := release(&u.Assets.PostedTickets, base); err != nil {
				return 0, err
			}
		} else if err := debit(&u.Tickets, base); err != nil {
			return 0, err
		}
		if err := release(&t.ledger.TicketVault, base); err != nil {
			return 0, err
		}
	}

	if err := credit(&u.Underlying, quote-fee); err != nil {
		return 0, err
	}
	if err := credit(&t.ledger.Fees, fee); err != nil {
		return 0, err
	}
	if info.Flags.Has(orderbook.FlagRefinance) {
		if l, ok := u.loans.Get(info.Refinances); ok {
			if _, err := t.repayLoan(u, l, quote-fee); err != nil {
				return 0, err
			}
		}
	}
	return fee, nil
}
