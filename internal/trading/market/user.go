package market

import (
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// ObligationFlags are state bits on loans and deposits.
type ObligationFlags uint8

const (
	// FlagMarkedDue is set once a matured loan has been marked due.
	FlagMarkedDue ObligationFlags = 1 << iota
	// FlagAutoRoll lets the roller refinance or re-lend the obligation at
	// maturity.
	FlagAutoRoll
)

func (f ObligationFlags) Has(x ObligationFlags) bool { return f&x == x }

// TermLoan is debt created when a borrow order with new debt is filled.
// Balance is the amount of underlying owed at maturity.
type TermLoan struct {
	ID        uuid.UUID       `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Owner     uuid.UUID       `json:"owner"`
	OrderTag  uuid.UUID       `json:"order_tag"`
	Principal uint64          `json:"principal"`
	Balance   uint64          `json:"balance"`
	CreatedAt int64           `json:"created_at"`
	Maturity  int64           `json:"maturity"`
	Flags     ObligationFlags `json:"flags"`
}

// TermDeposit is staked tickets redeemable for Amount underlying at maturity.
type TermDeposit struct {
	ID        uuid.UUID       `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Owner     uuid.UUID       `json:"owner"`
	OrderTag  uuid.UUID       `json:"order_tag"`
	Principal uint64          `json:"principal"`
	Amount    uint64          `json:"amount"`
	CreatedAt int64           `json:"created_at"`
	Maturity  int64           `json:"maturity"`
	Flags     ObligationFlags `json:"flags"`
}

// Debt tracks what a user owes or may come to owe.
type Debt struct {
	// Pending is base on resting borrow orders that will become debt when
	// filled.
	Pending           uint64 `json:"pending"`
	Committed         uint64 `json:"committed"`
	NextLoanSeq       uint64 `json:"next_loan_seq"`
	NextUnpaidLoanSeq uint64 `json:"next_unpaid_loan_seq"`
}

// Assets tracks value the user has put to work in the market.
type Assets struct {
	PostedQuote       uint64 `json:"posted_quote"`
	PostedTickets     uint64 `json:"posted_tickets"`
	Staked            uint64 `json:"staked"`
	NextDepositSeq    uint64 `json:"next_deposit_seq"`
	NextUnredeemedSeq uint64 `json:"next_unredeemed_seq"`
}

// AutoRollConfig is the per-side price used by the roller.
type AutoRollConfig struct {
	LimitPrice fp32.Price `json:"limit_price"`
	Enabled    bool       `json:"enabled"`
}

// UserAccount is one user's state in a market.
type UserAccount struct {
	ID     uuid.UUID `json:"id"`
	Margin bool      `json:"margin"`
	Nonce  uint64    `json:"nonce"`

	Underlying uint64 `json:"underlying"`
	Tickets    uint64 `json:"tickets"`
	Debt       Debt   `json:"debt"`
	Assets     Assets `json:"assets"`
	OpenOrders uint64 `json:"open_orders"`

	BorrowRoll AutoRollConfig `json:"borrow_roll"`
	LendRoll   AutoRollConfig `json:"lend_roll"`

	loans    *btree.Map[uint64, TermLoan]
	deposits *btree.Map[uint64, TermDeposit]
}

func newUserAccount(id uuid.UUID, margin bool) *UserAccount {
	return &UserAccount{
		ID:       id,
		Margin:   margin,
		loans:    btree.NewMap[uint64, TermLoan](32),
		deposits: btree.NewMap[uint64, TermDeposit](32),
	}
}

func (u *UserAccount) clone() *UserAccount {
	c := *u
	c.loans = u.loans.Copy()
	c.deposits = u.deposits.Copy()
	return &c
}

// nextOrderTag advances the nonce and derives the tag of a new order.
func (u *UserAccount) nextOrderTag() uuid.UUID {
	u.Nonce++
	return uuid.NewSHA1(u.ID, []byte(fmt.Sprintf("order:%d", u.Nonce)))
}

// Loans returns open loans in sequence order.
func (u *UserAccount) Loans() []TermLoan {
	out := make([]TermLoan, 0, u.loans.Len())
	u.loans.Scan(func(_ uint64, l TermLoan) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Deposits returns open deposits in sequence order.
func (u *UserAccount) Deposits() []TermDeposit {
	out := make([]TermDeposit, 0, u.deposits.Len())
	u.deposits.Scan(func(_ uint64, d TermDeposit) bool {
		out = append(out, d)
		return true
	})
	return out
}

func (u *UserAccount) Loan(seq uint64) (TermLoan, bool)       { return u.loans.Get(seq) }
func (u *UserAccount) Deposit(seq uint64) (TermDeposit, bool) { return u.deposits.Get(seq) }

func (u *UserAccount) addLoan(tag uuid.UUID, principal, balance uint64, now, maturity int64, flags ObligationFlags) (TermLoan, error) {
	committed, err := checkedAdd(u.Debt.Committed, balance)
	if err != nil {
		return TermLoan{}, err
	}
	seq := u.Debt.NextLoanSeq
	l := TermLoan{
		ID:        uuid.NewSHA1(u.ID, []byte(fmt.Sprintf("loan:%d", seq))),
		Sequence:  seq,
		Owner:     u.ID,
		OrderTag:  tag,
		Principal: principal,
		Balance:   balance,
		CreatedAt: now,
		Maturity:  maturity,
		Flags:     flags,
	}
	u.loans.Set(seq, l)
	u.Debt.NextLoanSeq++
	u.Debt.Committed = committed
	return l, nil
}

func (u *UserAccount) addDeposit(tag uuid.UUID, principal, amount uint64, now, maturity int64, flags ObligationFlags) (TermDeposit, error) {
	staked, err := checkedAdd(u.Assets.Staked, amount)
	if err != nil {
		return TermDeposit{}, err
	}
	seq := u.Assets.NextDepositSeq
	d := TermDeposit{
		ID:        uuid.NewSHA1(u.ID, []byte(fmt.Sprintf("deposit:%d", seq))),
		Sequence:  seq,
		Owner:     u.ID,
		OrderTag:  tag,
		Principal: principal,
		Amount:    amount,
		CreatedAt: now,
		Maturity:  maturity,
		Flags:     flags,
	}
	u.deposits.Set(seq, d)
	u.Assets.NextDepositSeq++
	u.Assets.Staked = staked
	return d, nil
}

// oldestLoan returns the unpaid loan with the lowest sequence.
func (u *UserAccount) oldestLoan() (TermLoan, bool) {
	_, l, ok := u.loans.Min()
	return l, ok
}

func (u *UserAccount) oldestDeposit() (TermDeposit, bool) {
	_, d, ok := u.deposits.Min()
	return d, ok
}

// closeLoan removes a fully repaid loan and advances the unpaid cursor.
func (u *UserAccount) closeLoan(seq uint64) {
	u.loans.Delete(seq)
	u.Debt.NextUnpaidLoanSeq = u.Debt.NextLoanSeq
	if l, ok := u.oldestLoan(); ok {
		u.Debt.NextUnpaidLoanSeq = l.Sequence
	}
}

func (u *UserAccount) closeDeposit(seq uint64) {
	u.deposits.Delete(seq)
	u.Assets.NextUnredeemedSeq = u.Assets.NextDepositSeq
	if d, ok := u.oldestDeposit(); ok {
		u.Assets.NextUnredeemedSeq = d.Sequence
	}
}

// empty reports whether the account can be closed.
func (u *UserAccount) empty() bool {
	return u.Underlying == 0 && u.Tickets == 0 &&
		u.Debt == (Debt{NextLoanSeq: u.Debt.NextLoanSeq, NextUnpaidLoanSeq: u.Debt.NextUnpaidLoanSeq}) &&
		u.Assets.PostedQuote == 0 && u.Assets.PostedTickets == 0 && u.Assets.Staked == 0 &&
		u.OpenOrders == 0 && u.loans.Len() == 0 && u.deposits.Len() == 0
}

// Reconcile checks the debt and asset totals against the open obligations.
func (u *UserAccount) Reconcile() error {
	var owed, staked uint64
	u.loans.Scan(func(_ uint64, l TermLoan) bool {
		owed += l.Balance
		return true
	})
	u.deposits.Scan(func(_ uint64, d TermDeposit) bool {
		staked += d.Amount
		return true
	})
	if owed != u.Debt.Committed {
		return fmt.Errorf("%w: user %s committed debt %d, open loans %d", ErrInconsistentAccount, u.ID, u.Debt.Committed, owed)
	}
	if staked != u.Assets.Staked {
		return fmt.Errorf("%w: user %s staked %d, open deposits %d", ErrInconsistentAccount, u.ID, u.Assets.Staked, staked)
	}
	return nil
}
