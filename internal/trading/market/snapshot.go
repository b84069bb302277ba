package market

import (
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// UserSnapshot is an account together with its obligations.
type UserSnapshot struct {
	UserAccount
	Loans    []TermLoan    `json:"loans"`
	Deposits []TermDeposit `json:"deposits"`
}

// Snapshot is the complete exported state of a market.
type Snapshot struct {
	Config          Config                    `json:"config"`
	OrderbookPaused bool                      `json:"orderbook_paused"`
	TicketsPaused   bool                      `json:"tickets_paused"`
	Bids            []orderbook.Entry         `json:"bids"`
	Asks            []orderbook.Entry         `json:"asks"`
	NextSeq         [2]uint64                 `json:"next_seq"`
	Events          []eventqueue.Event        `json:"events"`
	NextEventSeq    uint64                    `json:"next_event_seq"`
	Adapters        []eventqueue.AdapterState `json:"adapters"`
	AdapterNonce    uint64                    `json:"adapter_nonce"`
	Users           []UserSnapshot            `json:"users"`
	Cranks          []uuid.UUID               `json:"cranks"`
	Ledger          Ledger                    `json:"ledger"`
}

// Snapshot exports the committed state.
func (m *Market) Snapshot() *Snapshot {
	var snap *Snapshot
	m.view(func(st *state) {
		snap = &Snapshot{
			Config:          m.cfg,
			OrderbookPaused: st.orderbookPaused,
			TicketsPaused:   st.ticketsPaused,
			Bids:            st.book.Orders(orderbook.Bid),
			Asks:            st.book.Orders(orderbook.Ask),
			NextSeq:         [2]uint64{st.book.Sequence(orderbook.Bid), st.book.Sequence(orderbook.Ask)},
			Events:          st.events.Events(),
			NextEventSeq:    st.events.Header().NextSeq,
			Adapters:        st.adapters.States(),
			AdapterNonce:    st.adapterNonce,
			Ledger:          st.ledger,
		}
		for id := range st.cranks {
			snap.Cranks = append(snap.Cranks, id)
		}
		for _, u := range st.users {
			snap.Users = append(snap.Users, UserSnapshot{UserAccount: *u.clone(), Loans: u.Loans(), Deposits: u.Deposits()})
		}
	})
	sortIDs(snap.Cranks)
	ids := make([]uuid.UUID, len(snap.Users))
	byID := make(map[uuid.UUID]UserSnapshot, len(snap.Users))
	for i, u := range snap.Users {
		ids[i] = u.ID
		byID[u.ID] = u
	}
	sortIDs(ids)
	for i, id := range ids {
		snap.Users[i] = byID[id]
	}
	return snap
}

// Restore replaces the market state with snap. The snapshot must have been
// taken from a market with the same configuration.
func (m *Market) Restore(snap *Snapshot) error {
	if snap == nil || snap.Config != m.cfg {
		return fmt.Errorf("%w: configuration mismatch", ErrInvalidSnapshot)
	}
	st, err := restoreState(snap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
	m.logger.Info("Market state restored",
		zap.Int("bids", len(snap.Bids)),
		zap.Int("asks", len(snap.Asks)),
		zap.Int("events", len(snap.Events)),
		zap.Int("users", len(snap.Users)))
	return nil
}

func restoreState(snap *Snapshot) (*state, error) {
	cfg := snap.Config
	book, err := orderbook.Restore(cfg.OrderCapacity, snap.Bids, snap.Asks, snap.NextSeq)
	if err != nil {
		return nil, err
	}
	events, err := eventqueue.Restore(cfg.EventCapacity, snap.Events, snap.NextEventSeq)
	if err != nil {
		return nil, err
	}
	adapters, err := eventqueue.RestoreAdapters(cfg.MaxAdapters, snap.Adapters)
	if err != nil {
		return nil, err
	}
	st := &state{
		orderbookPaused: snap.OrderbookPaused,
		ticketsPaused:   snap.TicketsPaused,
		book:            book,
		events:          events,
		adapters:        adapters,
		users:           make(map[uuid.UUID]*UserAccount, len(snap.Users)),
		cranks:          make(map[uuid.UUID]struct{}, len(snap.Cranks)),
		ledger:          snap.Ledger,
		adapterNonce:    snap.AdapterNonce,
	}
	for _, id := range snap.Cranks {
		st.cranks[id] = struct{}{}
	}
	for _, us := range snap.Users {
		u := us.UserAccount
		u.loans = btree.NewMap[uint64, TermLoan](32)
		u.deposits = btree.NewMap[uint64, TermDeposit](32)
		for _, l := range us.Loans {
			u.loans.Set(l.Sequence, l)
		}
		for _, d := range us.Deposits {
			u.deposits.Set(d.Sequence, d)
		}
		if err := u.Reconcile(); err != nil {
			return nil, err
		}
		st.users[u.ID] = &u
	}
	return st, nil
}

// Audit checks the vault totals against the accounts and every account
// against its obligations. It needs a fully settled queue.
func (m *Market) Audit() error {
	var errs []error
	m.view(func(st *state) {
		if !st.events.Empty() {
			errs = append(errs, ErrSettlementPending)
			return
		}
		underlying := st.ledger.RepaymentPool + st.ledger.Fees
		var tickets uint64
		for _, u := range st.users {
			underlying += u.Underlying + u.Assets.PostedQuote
			tickets += u.Tickets + u.Assets.PostedTickets
			if err := u.Reconcile(); err != nil {
				errs = append(errs, err)
			}
		}
		if underlying != st.ledger.UnderlyingVault {
			errs = append(errs, fmt.Errorf("%w: underlying vault %d, accounted %d", ErrInconsistentAccount, st.ledger.UnderlyingVault, underlying))
		}
		if tickets != st.ledger.TicketVault {
			errs = append(errs, fmt.Errorf("%w: ticket vault %d, accounted %d", ErrInconsistentAccount, st.ledger.TicketVault, tickets))
		}
	})
	return errors.Join(errs...)
}
