package market

import (
	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
)

// Ledger holds market-wide balances.
//
// UnderlyingVault is every unit of underlying the market holds: free user
// balances, lend reservations, the repayment pool and fees. TicketVault is
// every ticket held outside deposits: free tickets and ask reservations.
type Ledger struct {
	UnderlyingVault uint64 `json:"underlying_vault"`
	TicketVault     uint64 `json:"ticket_vault"`
	// RepaymentPool is repaid underlying available to redeem deposits.
	RepaymentPool uint64 `json:"repayment_pool"`
	Fees          uint64 `json:"fees"`
}

type state struct {
	orderbookPaused bool
	ticketsPaused   bool
	book            *orderbook.Book
	events          *eventqueue.Queue
	adapters        *eventqueue.Adapters
	users           map[uuid.UUID]*UserAccount
	cranks          map[uuid.UUID]struct{}
	ledger          Ledger
	adapterNonce    uint64
}

func newState(cfg Config) *state {
	return &state{
		book:     orderbook.NewBook(cfg.OrderCapacity),
		events:   eventqueue.New(cfg.EventCapacity),
		adapters: eventqueue.NewAdapters(cfg.MaxAdapters),
		users:    make(map[uuid.UUID]*UserAccount),
		cranks:   make(map[uuid.UUID]struct{}),
	}
}

// tx is the working copy of one instruction. Everything it touches is
// copied on first use and written back to the market only on commit, so a
// failed instruction leaves no trace.
type tx struct {
	m      *Market
	st     *state
	parent *tx
	now    int64

	orderbookPaused bool
	ticketsPaused   bool
	ledger          Ledger
	adapterNonce    uint64

	bk       *orderbook.Book
	events   *eventqueue.Queue
	adapters *eventqueue.Adapters
	cranks   map[uuid.UUID]struct{}
	// users holds modified accounts; a nil entry is a closed account.
	users map[uuid.UUID]*UserAccount

	fills   int
	dropped int
}

func (m *Market) begin() *tx {
	st := m.st
	return &tx{
		m:               m,
		st:              st,
		now:             m.clock.Now().Unix(),
		orderbookPaused: st.orderbookPaused,
		ticketsPaused:   st.ticketsPaused,
		ledger:          st.ledger,
		adapterNonce:    st.adapterNonce,
		users:           make(map[uuid.UUID]*UserAccount),
	}
}

// child opens a nested transaction over the user accounts and ledger. It is
// used to settle one event without touching the book or queues.
func (t *tx) child() *tx {
	return &tx{
		m:               t.m,
		st:              t.st,
		parent:          t,
		now:             t.now,
		orderbookPaused: t.orderbookPaused,
		ticketsPaused:   t.ticketsPaused,
		ledger:          t.ledger,
		adapterNonce:    t.adapterNonce,
		users:           make(map[uuid.UUID]*UserAccount),
	}
}

func (t *tx) merge(c *tx) {
	for id, u := range c.users {
		t.users[id] = u
	}
	t.ledger = c.ledger
}

func (t *tx) book() *orderbook.Book {
	if t.parent != nil {
		return t.parent.book()
	}
	if t.bk == nil {
		t.bk = t.st.book.Clone()
	}
	return t.bk
}

func (t *tx) queue() *eventqueue.Queue {
	if t.parent != nil {
		return t.parent.queue()
	}
	if t.events == nil {
		t.events = t.st.events.Clone()
	}
	return t.events
}

func (t *tx) adapterSet() *eventqueue.Adapters {
	if t.parent != nil {
		return t.parent.adapterSet()
	}
	if t.adapters == nil {
		t.adapters = t.st.adapters.Clone()
	}
	return t.adapters
}

func (t *tx) crankSet() map[uuid.UUID]struct{} {
	if t.cranks == nil {
		t.cranks = make(map[uuid.UUID]struct{}, len(t.st.cranks))
		for id := range t.st.cranks {
			t.cranks[id] = struct{}{}
		}
	}
	return t.cranks
}

func (t *tx) isCrank(id uuid.UUID) bool {
	set := t.st.cranks
	if t.cranks != nil {
		set = t.cranks
	}
	_, ok := set[id]
	return ok
}

// lookup returns the current version of an account without copying it.
func (t *tx) lookup(id uuid.UUID) (*UserAccount, bool) {
	if u, ok := t.users[id]; ok {
		return u, u != nil
	}
	if t.parent != nil {
		return t.parent.lookup(id)
	}
	u, ok := t.st.users[id]
	return u, ok
}

// user returns a writable copy of an account.
func (t *tx) user(id uuid.UUID) (*UserAccount, error) {
	if u, ok := t.users[id]; ok {
		if u == nil {
			return nil, ErrUserNotFound
		}
		return u, nil
	}
	u, ok := t.lookup(id)
	if !ok {
		return nil, ErrUserNotFound
	}
	c := u.clone()
	t.users[id] = c
	return c, nil
}

// emit records e in the event queue and copies it to the adapters.
func (t *tx) emit(e eventqueue.Event) (eventqueue.Event, error) {
	stored, err := t.queue().Push(e)
	if err != nil {
		return eventqueue.Event{}, err
	}
	if stored.Kind == eventqueue.KindFill {
		t.fills++
	}
	t.dropped += t.adapterSet().Fanout(stored)
	return stored, nil
}

// commit writes the transaction back to the market state and returns the
// margin position changes it caused. The caller holds the market lock.
func (t *tx) commit() []positionReport {
	st := t.st
	reports := t.m.positionReports(st, t.users)
	for id, u := range t.users {
		if u == nil {
			delete(st.users, id)
			continue
		}
		st.users[id] = u
	}
	if t.bk != nil {
		st.book = t.bk
	}
	if t.events != nil {
		st.events = t.events
	}
	if t.adapters != nil {
		st.adapters = t.adapters
	}
	if t.cranks != nil {
		st.cranks = t.cranks
	}
	st.orderbookPaused = t.orderbookPaused
	st.ticketsPaused = t.ticketsPaused
	st.ledger = t.ledger
	st.adapterNonce = t.adapterNonce
	return reports
}

func credit(bal *uint64, amount uint64) error {
	v, err := checkedAdd(*bal, amount)
	if err != nil {
		return err
	}
	*bal = v
	return nil
}

// debit removes amount from a free balance.
func debit(bal *uint64, amount uint64) error {
	if amount > *bal {
		return ErrInsufficientFunds
	}
	*bal -= amount
	return nil
}

// release removes amount from a reservation or internal total. A shortfall
// means the books are inconsistent.
func release(bal *uint64, amount uint64) error {
	v, err := checkedSub(*bal, amount)
	if err != nil {
		return err
	}
	*bal = v
	return nil
}
