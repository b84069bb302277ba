package market

import (
	"context"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"go.uber.org/zap"
)

// CancelOrder removes a resting order and emits an Out event returning its
// reservation. Margin orders can only be cancelled through the proxy that
// placed them.
func (m *Market) CancelOrder(ctx context.Context, signer Signer, side orderbook.Side, key orderbook.Key) (*eventqueue.Out, error) {
	var out *eventqueue.Out
	err := m.update(ctx, "cancel_order", func(t *tx) error {
		var err error
		out, err = t.cancelOrder(signer, side, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Order cancelled",
		zap.String("user", signer.User().String()),
		zap.Stringer("side", side),
		zap.Stringer("key", key),
		zap.Uint64("base", out.Base))
	return out, nil
}

func (t *tx) cancelOrder(signer Signer, side orderbook.Side, key orderbook.Key) (*eventqueue.Out, error) {
	if !side.Valid() {
		return nil, ErrInvalidOrder
	}
	book := t.book()
	o, ok := book.Find(side, key)
	if !ok {
		return nil, ErrNotFound
	}
	if o.Owner() != signer.User() || o.Callback.Flags.Has(orderbook.FlagMargin) != signer.Proxied() {
		return nil, ErrUnauthorized
	}
	removed, err := book.Remove(side, key)
	if err != nil {
		return nil, err
	}
	e, err := t.emit(eventqueue.NewOut(eventqueue.Out{
		Side:      side,
		Key:       key,
		Callback:  removed.Callback,
		Base:      removed.BaseRemaining,
		Quote:     removed.QuoteRemaining,
		Delete:    true,
		Reserved:  true,
		Timestamp: t.now,
	}))
	if err != nil {
		return nil, err
	}
	return &e.Out, nil
}
