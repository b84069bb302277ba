package market

import (
	"context"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkDue flags a matured loan as due. Anyone may call it and marking an
// already due loan is a no-op.
func (m *Market) MarkDue(ctx context.Context, owner uuid.UUID, seq uint64) error {
	return m.update(ctx, "mark_due", func(t *tx) error {
		u, err := t.user(owner)
		if err != nil {
			return err
		}
		l, ok := u.loans.Get(seq)
		if !ok {
			return ErrObligationNotFound
		}
		if t.now < l.Maturity {
			return ErrNotMature
		}
		l.Flags |= FlagMarkedDue
		u.loans.Set(seq, l)
		return nil
	})
}

// Repay pays down the signer's oldest loan from free underlying and returns
// the amount applied, which is capped at the loan balance.
func (m *Market) Repay(ctx context.Context, signer Signer, amount uint64) (uint64, error) {
	var applied uint64
	err := m.update(ctx, "repay", func(t *tx) error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		l, ok := u.oldestLoan()
		if !ok {
			return ErrObligationNotFound
		}
		applied, err = t.repayLoan(u, l, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug("Loan repaid", zap.String("user", signer.User().String()), zap.Uint64("applied", applied))
	return applied, nil
}

func (t *tx) repayLoan(u *UserAccount, l TermLoan, amount uint64) (uint64, error) {
	applied := min(amount, l.Balance)
	if err := debit(&u.Underlying, applied); err != nil {
		return 0, err
	}
	if err := release(&u.Debt.Committed, applied); err != nil {
		return 0, err
	}
	if err := credit(&t.ledger.RepaymentPool, applied); err != nil {
		return 0, err
	}
	l.Balance -= applied
	if l.Balance == 0 {
		u.closeLoan(l.Sequence)
	} else {
		u.loans.Set(l.Sequence, l)
	}
	return applied, nil
}

// StakeTickets converts free tickets into a term deposit maturing after the
// lend tenor.
func (m *Market) StakeTickets(ctx context.Context, signer Signer, amount uint64) (TermDeposit, error) {
	var d TermDeposit
	err := m.update(ctx, "stake_tickets", func(t *tx) error {
		if t.ticketsPaused {
			return ErrTicketsPaused
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		if err := debit(&u.Tickets, amount); err != nil {
			return err
		}
		if err := release(&t.ledger.TicketVault, amount); err != nil {
			return err
		}
		d, err = u.addDeposit(u.nextOrderTag(), amount, amount, t.now, t.now+t.m.cfg.LendTenor, 0)
		return err
	})
	return d, err
}

// RedeemDeposit redeems the signer's oldest deposit for underlying once it
// has matured.
func (m *Market) RedeemDeposit(ctx context.Context, signer Signer) (TermDeposit, error) {
	var d TermDeposit
	err := m.update(ctx, "redeem_deposit", func(t *tx) error {
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		var ok bool
		if d, ok = u.oldestDeposit(); !ok {
			return ErrObligationNotFound
		}
		return t.redeem(u, d)
	})
	return d, err
}

func (t *tx) redeem(u *UserAccount, d TermDeposit) error {
	if t.ticketsPaused {
		return ErrTicketsPaused
	}
	if t.now < d.Maturity {
		return ErrNotMature
	}
	if t.ledger.RepaymentPool < d.Amount {
		return ErrInsufficientLiquidity
	}
	t.ledger.RepaymentPool -= d.Amount
	if err := release(&u.Assets.Staked, d.Amount); err != nil {
		return err
	}
	if err := credit(&u.Underlying, d.Amount); err != nil {
		return err
	}
	u.closeDeposit(d.Sequence)
	return nil
}

// ConfigureAutoRoll enables the roller for one side of the signer's
// obligations at limitPrice, which must lie strictly between 0 and 1.
func (m *Market) ConfigureAutoRoll(ctx context.Context, signer Signer, side orderbook.Side, limitPrice fp32.Price) error {
	return m.update(ctx, "configure_auto_roll", func(t *tx) error {
		if !side.Valid() {
			return ErrInvalidOrder
		}
		if limitPrice == 0 || !limitPrice.IsFraction() {
			return ErrInvalidAutoRoll
		}
		if limitPrice%t.m.cfg.TickSize != 0 {
			return ErrInvalidTick
		}
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		*u.rollConfig(side) = AutoRollConfig{LimitPrice: limitPrice, Enabled: true}
		return nil
	})
}

// DisableAutoRoll turns the roller off for one side. Obligation flags are
// kept so re-enabling restores them.
func (m *Market) DisableAutoRoll(ctx context.Context, signer Signer, side orderbook.Side) error {
	return m.update(ctx, "disable_auto_roll", func(t *tx) error {
		if !side.Valid() {
			return ErrInvalidOrder
		}
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		u.rollConfig(side).Enabled = false
		return nil
	})
}

func (u *UserAccount) rollConfig(side orderbook.Side) *AutoRollConfig {
	if side == orderbook.Bid {
		return &u.LendRoll
	}
	return &u.BorrowRoll
}

// ToggleLoanAutoRoll flips the auto-roll flag of a loan and returns the new
// value. Turning it on requires an enabled borrow configuration.
func (m *Market) ToggleLoanAutoRoll(ctx context.Context, signer Signer, seq uint64) (bool, error) {
	var on bool
	err := m.update(ctx, "toggle_loan_auto_roll", func(t *tx) error {
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		l, ok := u.loans.Get(seq)
		if !ok {
			return ErrObligationNotFound
		}
		on = !l.Flags.Has(FlagAutoRoll)
		if on && !u.BorrowRoll.Enabled {
			return ErrAutoRollDisabled
		}
		l.Flags ^= FlagAutoRoll
		u.loans.Set(seq, l)
		return nil
	})
	return on, err
}

// ToggleDepositAutoRoll is ToggleLoanAutoRoll for deposits.
func (m *Market) ToggleDepositAutoRoll(ctx context.Context, signer Signer, seq uint64) (bool, error) {
	var on bool
	err := m.update(ctx, "toggle_deposit_auto_roll", func(t *tx) error {
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		d, ok := u.deposits.Get(seq)
		if !ok {
			return ErrObligationNotFound
		}
		on = !d.Flags.Has(FlagAutoRoll)
		if on && !u.LendRoll.Enabled {
			return ErrAutoRollDisabled
		}
		d.Flags ^= FlagAutoRoll
		u.deposits.Set(seq, d)
		return nil
	})
	return on, err
}

func ownerSigner(u *UserAccount) Signer {
	if u.Margin {
		return ProxySigner{ID: u.ID}
	}
	return DirectSigner{ID: u.ID}
}

// RollDeposit redeems a matured auto-roll deposit and lends the proceeds
// again at the owner's configured price with auto-stake. Only cranks may
// roll.
func (m *Market) RollDeposit(ctx context.Context, crank, owner uuid.UUID, seq uint64) (*OrderSummary, error) {
	var sum *OrderSummary
	err := m.update(ctx, "roll_deposit", func(t *tx) error {
		if !t.isCrank(crank) {
			return ErrUnauthorized
		}
		u, err := t.user(owner)
		if err != nil {
			return err
		}
		d, ok := u.deposits.Get(seq)
		if !ok {
			return ErrObligationNotFound
		}
		if !d.Flags.Has(FlagAutoRoll) || !u.LendRoll.Enabled {
			return ErrAutoRollDisabled
		}
		if err := t.redeem(u, d); err != nil {
			return err
		}
		price := u.LendRoll.LimitPrice
		maxBase, err := fp32.DivFloor(d.Amount, price)
		if err != nil {
			return err
		}
		sum, err = t.placeOrder(ownerSigner(u), OrderParams{
			Side:       orderbook.Bid,
			LimitPrice: price,
			MaxBase:    maxBase,
			MaxQuote:   d.Amount,
			Type:       OrderLimit,
			AutoStake:  true,
			AutoRoll:   true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Deposit rolled", zap.String("user", owner.String()), zap.Uint64("seq", seq),
		zap.Uint64("base_filled", sum.BaseFilled), zap.Uint64("base_posted", sum.BasePosted))
	return sum, nil
}

// RollLoan refinances a matured auto-roll loan with a new-debt borrow order
// at the owner's configured price, sized to raise the loan balance net of
// fees. Every fill of the order repays the matured loan, whether it matches
// now or settles later from the book. The matured loan stops rolling either
// way.
func (m *Market) RollLoan(ctx context.Context, crank, owner uuid.UUID, seq uint64) (*OrderSummary, error) {
	var sum *OrderSummary
	err := m.update(ctx, "roll_loan", func(t *tx) error {
		if !t.isCrank(crank) {
			return ErrUnauthorized
		}
		u, err := t.user(owner)
		if err != nil {
			return err
		}
		l, ok := u.loans.Get(seq)
		if !ok {
			return ErrObligationNotFound
		}
		if !l.Flags.Has(FlagAutoRoll) || !u.BorrowRoll.Enabled || !u.Margin {
			return ErrAutoRollDisabled
		}
		if t.now < l.Maturity {
			return ErrNotMature
		}
		// gross up so proceeds net of the origination fee cover the balance
		gross, err := fp32.DivCeil(l.Balance, fp32.One-t.m.cfg.OriginationFee)
		if err != nil {
			return err
		}
		maxBase, err := fp32.DivCeil(gross, u.BorrowRoll.LimitPrice)
		if err != nil {
			return err
		}
		sum, err = t.placeOrder(ownerSigner(u), OrderParams{
			Side:       orderbook.Ask,
			LimitPrice: u.BorrowRoll.LimitPrice,
			MaxBase:    maxBase,
			MaxQuote:   gross,
			Type:       OrderLimit,
			AutoRoll:   true,
			refinance:  true,
			refinances: seq,
		})
		if err != nil {
			return err
		}
		if l, ok = u.loans.Get(seq); ok {
			l.Flags &^= FlagAutoRoll
			u.loans.Set(seq, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Loan rolled", zap.String("user", owner.String()), zap.Uint64("seq", seq),
		zap.Uint64("base_filled", sum.BaseFilled), zap.Uint64("base_posted", sum.BasePosted))
	return sum, nil
}
