package market

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenor = 86400 * time.Second

// borrowFrom gives a margin borrower a loan of base funded by lender.
func (f *fixture) borrowFrom(t *testing.T, lender Signer, base uint64, autoStake bool) Signer {
	ctx := context.Background()
	borrower := f.marginUser(t)
	p := bid(half, base)
	p.AutoStake = autoStake
	_, err := f.m.PlaceOrder(ctx, lender, p)
	require.NoError(t, err)
	_, err = f.m.PlaceOrder(ctx, borrower, ask(half, base))
	require.NoError(t, err)
	f.drain(t)
	return borrower
}

func TestMarkDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	borrower := f.borrowFrom(t, f.lender(t, 1000), 100, false)

	assert.ErrorIs(t, f.m.MarkDue(ctx, borrower.User(), 0), ErrNotMature)
	assert.ErrorIs(t, f.m.MarkDue(ctx, borrower.User(), 7), ErrObligationNotFound)

	f.clock.Advance(tenor)
	require.NoError(t, f.m.MarkDue(ctx, borrower.User(), 0))
	require.NoError(t, f.m.MarkDue(ctx, borrower.User(), 0))

	l, ok := f.user(t, borrower).Loan(0)
	require.True(t, ok)
	assert.True(t, l.Flags.Has(FlagMarkedDue))
}

func TestRepayAndRedeem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.borrowFrom(t, lender, 100, true)

	// borrower received 50 and owes 100
	require.NoError(t, f.m.DepositUnderlying(ctx, borrower, 60))

	f.clock.Advance(tenor)
	_, err := f.m.RedeemDeposit(ctx, lender)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	applied, err := f.m.Repay(ctx, borrower, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), applied)
	assert.Equal(t, uint64(70), f.user(t, borrower).Debt.Committed)

	applied, err = f.m.Repay(ctx, borrower, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), applied, "repayment is capped at the balance")

	b := f.user(t, borrower)
	assert.Zero(t, b.Debt.Committed)
	assert.Empty(t, b.Loans())
	assert.Equal(t, uint64(10), b.Underlying)
	assert.Equal(t, b.Debt.NextLoanSeq, b.Debt.NextUnpaidLoanSeq)

	_, err = f.m.Repay(ctx, borrower, 1)
	assert.ErrorIs(t, err, ErrObligationNotFound)

	d, err := f.m.RedeemDeposit(ctx, lender)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), d.Amount)
	l := f.user(t, lender)
	assert.Equal(t, uint64(1000-50+100), l.Underlying)
	assert.Zero(t, l.Assets.Staked)
	assert.Zero(t, f.m.Ledger().RepaymentPool)
	assert.NoError(t, f.m.Audit())
}

func TestStakeTickets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	holder := f.seller(t, 30)

	_, err := f.m.StakeTickets(ctx, holder, 31)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	d, err := f.m.StakeTickets(ctx, holder, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), d.Amount)
	assert.Equal(t, f.clock.Now().Unix()+86400, d.Maturity)

	_, err = f.m.RedeemDeposit(ctx, holder)
	assert.ErrorIs(t, err, ErrNotMature)

	require.NoError(t, f.m.PauseTickets(ctx, f.authority))
	f.clock.Advance(tenor)
	_, err = f.m.RedeemDeposit(ctx, holder)
	assert.ErrorIs(t, err, ErrTicketsPaused)
	assert.NoError(t, f.m.Audit())
}

func TestAutoRollConfiguration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.borrowFrom(t, lender, 100, false)

	assert.ErrorIs(t, f.m.ConfigureAutoRoll(ctx, borrower, orderbook.Ask, 0), ErrInvalidAutoRoll)
	assert.ErrorIs(t, f.m.ConfigureAutoRoll(ctx, borrower, orderbook.Ask, fp32.One), ErrInvalidAutoRoll)

	_, err := f.m.ToggleLoanAutoRoll(ctx, borrower, 0)
	assert.ErrorIs(t, err, ErrAutoRollDisabled)

	require.NoError(t, f.m.ConfigureAutoRoll(ctx, borrower, orderbook.Ask, half))
	on, err := f.m.ToggleLoanAutoRoll(ctx, borrower, 0)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = f.m.ToggleLoanAutoRoll(ctx, borrower, 0)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, f.m.DisableAutoRoll(ctx, borrower, orderbook.Ask))
	assert.False(t, f.user(t, borrower).BorrowRoll.Enabled)
}

func TestRollLoan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.borrowFrom(t, lender, 100, false)
	require.NoError(t, f.m.ConfigureAutoRoll(ctx, borrower, orderbook.Ask, half))
	_, err := f.m.ToggleLoanAutoRoll(ctx, borrower, 0)
	require.NoError(t, err)

	_, err = f.m.RollLoan(ctx, uuid.New(), borrower.User(), 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.RollLoan(ctx, f.crank, borrower.User(), 0)
	assert.ErrorIs(t, err, ErrNotMature)

	f.clock.Advance(tenor)
	// a new lender is waiting at the roll price with enough to refinance
	_, err = f.m.PlaceOrder(ctx, f.lender(t, 1000), bid(half, 200))
	require.NoError(t, err)

	sum, err := f.m.RollLoan(ctx, f.crank, borrower.User(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), sum.BaseFilled)
	assert.Equal(t, uint64(100), sum.QuoteFilled)
	assert.False(t, sum.Posted)

	b := f.user(t, borrower)
	_, ok := b.Loan(0)
	assert.False(t, ok, "the proceeds repaid the matured loan")

	fresh, ok := b.Loan(1)
	require.True(t, ok)
	assert.Equal(t, uint64(200), fresh.Balance)
	assert.True(t, fresh.Flags.Has(FlagAutoRoll))
	assert.Equal(t, fresh.Balance, b.Debt.Committed)
	assert.NoError(t, b.Reconcile())
	assert.NoError(t, f.m.Audit())
}

func TestRollLoan_PostedOrderRepaysOnSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.OriginationFee = fp32.MustParse("0.1") })
	lender := f.lender(t, 1000)
	borrower := f.borrowFrom(t, lender, 100, false)
	require.NoError(t, f.m.ConfigureAutoRoll(ctx, borrower, orderbook.Ask, half))
	_, err := f.m.ToggleLoanAutoRoll(ctx, borrower, 0)
	require.NoError(t, err)
	f.clock.Advance(tenor)

	// nobody is lending yet, so the whole refinancing order rests
	sum, err := f.m.RollLoan(ctx, f.crank, borrower.User(), 0)
	require.NoError(t, err)
	require.True(t, sum.Posted)
	assert.Zero(t, sum.BaseFilled)
	assert.Equal(t, uint64(112), sum.QuotePosted, "grossed up for the fee")

	b := f.user(t, borrower)
	old, ok := b.Loan(0)
	require.True(t, ok)
	assert.Equal(t, uint64(100), old.Balance)
	assert.False(t, old.Flags.Has(FlagAutoRoll))
	assert.Equal(t, sum.BasePosted, b.Debt.Pending)

	_, err = f.m.PlaceOrder(ctx, f.lender(t, 1000), bid(half, sum.BasePosted))
	require.NoError(t, err)
	rep := f.drain(t)
	require.Empty(t, rep.Skipped)

	b = f.user(t, borrower)
	_, ok = b.Loan(0)
	assert.False(t, ok, "the maker fill repaid the matured loan")
	loans := b.Loans()
	require.Len(t, loans, 1)
	assert.Equal(t, sum.BasePosted, loans[0].Balance)
	assert.Equal(t, loans[0].Balance, b.Debt.Committed)
	assert.Zero(t, b.Debt.Pending)
	assert.NoError(t, b.Reconcile())
	assert.NoError(t, f.m.Audit())
}

func TestRollDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lender := f.lender(t, 1000)
	borrower := f.borrowFrom(t, lender, 100, true)
	require.NoError(t, f.m.ConfigureAutoRoll(ctx, lender, orderbook.Bid, half))
	_, err := f.m.ToggleDepositAutoRoll(ctx, lender, 0)
	require.NoError(t, err)

	f.clock.Advance(tenor)
	require.NoError(t, f.m.DepositUnderlying(ctx, borrower, 50))
	_, err = f.m.Repay(ctx, borrower, 100)
	require.NoError(t, err)

	sum, err := f.m.RollDeposit(ctx, f.crank, lender.User(), 0)
	require.NoError(t, err)
	assert.True(t, sum.Posted)
	assert.Equal(t, uint64(200), sum.BasePosted)
	assert.Equal(t, uint64(100), sum.QuotePosted)

	l := f.user(t, lender)
	_, ok := l.Deposit(0)
	assert.False(t, ok)
	assert.Equal(t, uint64(100), l.Assets.PostedQuote)
	assert.NoError(t, f.m.Audit())
}
