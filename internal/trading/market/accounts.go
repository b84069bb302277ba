package market

import (
	"context"

	"go.uber.org/zap"
)

// RegisterUser opens an account for the signer. Margin accounts must be
// registered through their proxy.
func (m *Market) RegisterUser(ctx context.Context, signer Signer, margin bool) (*UserAccount, error) {
	var u *UserAccount
	err := m.update(ctx, "register_user", func(t *tx) error {
		if margin != signer.Proxied() {
			return ErrUnauthorized
		}
		if _, ok := t.lookup(signer.User()); ok {
			return ErrUserExists
		}
		u = newUserAccount(signer.User(), margin)
		t.users[u.ID] = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("User registered", zap.String("user", u.ID.String()), zap.Bool("margin", margin))
	return u.clone(), nil
}

// CloseUserAccount removes an account that holds nothing.
func (m *Market) CloseUserAccount(ctx context.Context, signer Signer) error {
	err := m.update(ctx, "close_user_account", func(t *tx) error {
		u, err := t.user(signer.User())
		if err != nil {
			return err
		}
		if u.Margin != signer.Proxied() {
			return ErrUnauthorized
		}
		if !u.empty() {
			return ErrAccountNotEmpty
		}
		t.users[u.ID] = nil
		return nil
	})
	if err == nil {
		m.logger.Info("User account closed", zap.String("user", signer.User().String()))
	}
	return err
}

func (m *Market) DepositUnderlying(ctx context.Context, signer Signer, amount uint64) error {
	return m.update(ctx, "deposit_underlying", func(t *tx) error {
		u, err := t.fundedUser(signer, amount)
		if err != nil {
			return err
		}
		if err := credit(&u.Underlying, amount); err != nil {
			return err
		}
		return credit(&t.ledger.UnderlyingVault, amount)
	})
}

func (m *Market) WithdrawUnderlying(ctx context.Context, signer Signer, amount uint64) error {
	return m.update(ctx, "withdraw_underlying", func(t *tx) error {
		u, err := t.fundedUser(signer, amount)
		if err != nil {
			return err
		}
		if err := debit(&u.Underlying, amount); err != nil {
			return err
		}
		return release(&t.ledger.UnderlyingVault, amount)
	})
}

func (m *Market) DepositTickets(ctx context.Context, signer Signer, amount uint64) error {
	return m.update(ctx, "deposit_tickets", func(t *tx) error {
		if t.ticketsPaused {
			return ErrTicketsPaused
		}
		u, err := t.fundedUser(signer, amount)
		if err != nil {
			return err
		}
		if err := credit(&u.Tickets, amount); err != nil {
			return err
		}
		return credit(&t.ledger.TicketVault, amount)
	})
}

func (m *Market) WithdrawTickets(ctx context.Context, signer Signer, amount uint64) error {
	return m.update(ctx, "withdraw_tickets", func(t *tx) error {
		if t.ticketsPaused {
			return ErrTicketsPaused
		}
		u, err := t.fundedUser(signer, amount)
		if err != nil {
			return err
		}
		if err := debit(&u.Tickets, amount); err != nil {
			return err
		}
		return release(&t.ledger.TicketVault, amount)
	})
}

func (t *tx) fundedUser(signer Signer, amount uint64) (*UserAccount, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	u, err := t.user(signer.User())
	if err != nil {
		return nil, err
	}
	if u.Margin != signer.Proxied() {
		return nil, ErrUnauthorized
	}
	return u, nil
}
