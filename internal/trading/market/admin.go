package market

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (t *tx) requireAuthority(signer Signer) error {
	if signer.Proxied() || signer.User() != t.m.cfg.Authority {
		return ErrUnauthorized
	}
	return nil
}

func (m *Market) admin(ctx context.Context, op string, signer Signer, fn func(t *tx) error) error {
	err := m.update(ctx, op, func(t *tx) error {
		if err := t.requireAuthority(signer); err != nil {
			return err
		}
		return fn(t)
	})
	if err == nil {
		m.logger.Info("Admin instruction executed", zap.String("op", op))
	}
	return err
}

// PauseOrderMatching stops PlaceOrder. Cancels and settlement continue.
func (m *Market) PauseOrderMatching(ctx context.Context, signer Signer) error {
	return m.admin(ctx, "pause_order_matching", signer, func(t *tx) error {
		t.orderbookPaused = true
		return nil
	})
}

func (m *Market) ResumeOrderMatching(ctx context.Context, signer Signer) error {
	return m.admin(ctx, "resume_order_matching", signer, func(t *tx) error {
		t.orderbookPaused = false
		return nil
	})
}

// PauseTickets stops ticket deposits, withdrawals, staking and redemption.
func (m *Market) PauseTickets(ctx context.Context, signer Signer) error {
	return m.admin(ctx, "pause_tickets", signer, func(t *tx) error {
		t.ticketsPaused = true
		return nil
	})
}

func (m *Market) ResumeTickets(ctx context.Context, signer Signer) error {
	return m.admin(ctx, "resume_tickets", signer, func(t *tx) error {
		t.ticketsPaused = false
		return nil
	})
}

// WithdrawFees moves accumulated fees to the fee destination account and
// returns the amount moved.
func (m *Market) WithdrawFees(ctx context.Context, signer Signer) (uint64, error) {
	var amount uint64
	err := m.admin(ctx, "withdraw_fees", signer, func(t *tx) error {
		dest, err := t.user(m.cfg.FeeDestination)
		if err != nil {
			return err
		}
		amount = t.ledger.Fees
		if err := credit(&dest.Underlying, amount); err != nil {
			return err
		}
		t.ledger.Fees = 0
		return nil
	})
	return amount, err
}

// AuthorizeCrank allows crank to call ConsumeEvents and the roll
// instructions.
func (m *Market) AuthorizeCrank(ctx context.Context, signer Signer, crank uuid.UUID) error {
	return m.admin(ctx, "authorize_crank", signer, func(t *tx) error {
		t.crankSet()[crank] = struct{}{}
		return nil
	})
}

func (m *Market) RevokeCrank(ctx context.Context, signer Signer, crank uuid.UUID) error {
	return m.admin(ctx, "revoke_crank", signer, func(t *tx) error {
		cranks := t.crankSet()
		if _, ok := cranks[crank]; !ok {
			return ErrNotFound
		}
		delete(cranks, crank)
		return nil
	})
}
