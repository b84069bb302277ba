package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegisterEventAdapter creates a private copy of the event feed for the
// signer with room for capacity events. With ownEventsOnly set the feed only
// carries events involving the signer.
func (m *Market) RegisterEventAdapter(ctx context.Context, signer Signer, capacity int, ownEventsOnly bool) (uuid.UUID, error) {
	var id uuid.UUID
	err := m.update(ctx, "register_event_adapter", func(t *tx) error {
		subscriber := signer.User()
		id = uuid.NewSHA1(m.cfg.ID, []byte(fmt.Sprintf("adapter:%s:%d", subscriber, t.adapterNonce)))
		t.adapterNonce++
		err := t.adapterSet().Register(id, subscriber, ownEventsOnly, capacity)
		if errors.Is(err, eventqueue.ErrTooManyAdapters) {
			return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
		}
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	m.logger.Info("Event adapter registered",
		zap.String("adapter", id.String()),
		zap.String("subscriber", signer.User().String()),
		zap.Int("capacity", capacity))
	return id, nil
}

// PopAdapterEvents drains up to max events from the signer's adapter.
func (m *Market) PopAdapterEvents(ctx context.Context, signer Signer, id uuid.UUID, max int) ([]eventqueue.Event, error) {
	var events []eventqueue.Event
	err := m.update(ctx, "pop_adapter_events", func(t *tx) error {
		var err error
		events, err = t.adapterSet().Pop(id, signer.User(), max)
		return err
	})
	return events, err
}

func (m *Market) RemoveEventAdapter(ctx context.Context, signer Signer, id uuid.UUID) error {
	return m.update(ctx, "remove_event_adapter", func(t *tx) error {
		return t.adapterSet().Remove(id, signer.User())
	})
}

// AdapterLen reports how many events wait in adapter id.
func (m *Market) AdapterLen(id uuid.UUID) (n int, ok bool) {
	m.view(func(st *state) {
		var a *eventqueue.Adapter
		if a, ok = st.adapters.Get(id); ok {
			n = a.Len()
		}
	})
	return n, ok
}

// Adapters returns the state of every registered adapter.
func (m *Market) Adapters() []eventqueue.AdapterState {
	var out []eventqueue.AdapterState
	m.view(func(st *state) { out = st.adapters.States() })
	return out
}
