package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrMalformed   = errors.New("malformed instruction")
	ErrUnknownType = errors.New("unknown instruction type")
	ErrWrongMarket = errors.New("instruction addressed to another market")
)

var validate = validator.New()

type handler func(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error

var handlers = map[string]handler{
	TypeRegisterUser:          registerUser,
	TypeCloseUser:             closeUser,
	TypeDepositUnderlying:     amountOp((*market.Market).DepositUnderlying),
	TypeWithdrawUnderlying:    amountOp((*market.Market).WithdrawUnderlying),
	TypeDepositTickets:        amountOp((*market.Market).DepositTickets),
	TypeWithdrawTickets:       amountOp((*market.Market).WithdrawTickets),
	TypePlaceOrder:            placeOrder,
	TypeCancelOrder:           cancelOrder,
	TypeConsumeEvents:         consumeEvents,
	TypeMarkDue:               markDue,
	TypeRepay:                 repay,
	TypeStakeTickets:          stakeTickets,
	TypeRedeemDeposit:         redeemDeposit,
	TypeConfigureAutoRoll:     configureAutoRoll,
	TypeDisableAutoRoll:       disableAutoRoll,
	TypeToggleLoanAutoRoll:    toggleAutoRoll((*market.Market).ToggleLoanAutoRoll),
	TypeToggleDepositAutoRoll: toggleAutoRoll((*market.Market).ToggleDepositAutoRoll),
	TypeRollLoan:              roll((*market.Market).RollLoan),
	TypeRollDeposit:           roll((*market.Market).RollDeposit),
	TypePauseMatching:         adminOp((*market.Market).PauseOrderMatching),
	TypeResumeMatching:        adminOp((*market.Market).ResumeOrderMatching),
	TypePauseTickets:          adminOp((*market.Market).PauseTickets),
	TypeResumeTickets:         adminOp((*market.Market).ResumeTickets),
	TypeWithdrawFees:          withdrawFees,
	TypeAuthorizeCrank:        crankOp((*market.Market).AuthorizeCrank),
	TypeRevokeCrank:           crankOp((*market.Market).RevokeCrank),
	TypeRegisterAdapter:       registerAdapter,
	TypePopAdapter:            popAdapter,
	TypeRemoveAdapter:         removeAdapter,
}

// Validate checks the envelope without touching a market.
func (ins *Instruction) Validate() error {
	if err := validate.Struct(ins); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !Known(ins.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, ins.Type)
	}
	return nil
}

// Apply executes ins against m. The returned Result is never nil; when err
// is set the Result carries the rejection and the market is unchanged.
func Apply(ctx context.Context, m *market.Market, ins *Instruction) (*Result, error) {
	res := &Result{Instruction: ins.ID, Type: ins.Type, Market: ins.Market}
	err := ins.Validate()
	if err == nil && ins.Market != m.ID() {
		err = fmt.Errorf("%w: %s", ErrWrongMarket, ins.Market)
	}
	if err == nil {
		err = handlers[ins.Type](ctx, m, ins, res)
	}
	if err != nil {
		*res = Result{Instruction: ins.ID, Type: ins.Type, Market: ins.Market, Error: err.Error(), Category: Category(err)}
		return res, err
	}
	return res, nil
}

// Category extends market.Category with envelope errors.
func Category(err error) string {
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType) || errors.Is(err, ErrWrongMarket) {
		return market.CategoryValidation
	}
	return market.Category(err)
}

func registerUser(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	u, err := m.RegisterUser(ctx, ins.Signer.Market(), ins.Margin)
	res.Account = u
	return err
}

func closeUser(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
	return m.CloseUserAccount(ctx, ins.Signer.Market())
}

func amountOp(op func(*market.Market, context.Context, market.Signer, uint64) error) handler {
	return func(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
		res.Amount = ins.Amount
		return op(m, ctx, ins.Signer.Market(), ins.Amount)
	}
}

func placeOrder(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	if ins.Order == nil {
		return fmt.Errorf("%w: missing order", ErrMalformed)
	}
	p, err := ins.Order.Params()
	if err != nil {
		return err
	}
	res.Summary, err = m.PlaceOrder(ctx, ins.Signer.Market(), p)
	return err
}

func cancelOrder(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	if ins.Key == nil {
		return fmt.Errorf("%w: missing order key", ErrMalformed)
	}
	side, err := ParseSide(ins.Side)
	if err != nil {
		return err
	}
	res.Out, err = m.CancelOrder(ctx, ins.Signer.Market(), side, *ins.Key)
	return err
}

func consumeEvents(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	var err error
	res.Report, err = m.ConsumeEvents(ctx, ins.Signer.User, ins.Max)
	return err
}

func markDue(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
	return m.MarkDue(ctx, ins.Owner, ins.Seq)
}

func repay(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	var err error
	res.Amount, err = m.Repay(ctx, ins.Signer.Market(), ins.Amount)
	return err
}

func stakeTickets(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	d, err := m.StakeTickets(ctx, ins.Signer.Market(), ins.Amount)
	if err == nil {
		res.Deposit = &d
	}
	return err
}

func redeemDeposit(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	d, err := m.RedeemDeposit(ctx, ins.Signer.Market())
	if err == nil {
		res.Deposit = &d
		res.Amount = d.Amount
	}
	return err
}

func configureAutoRoll(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
	side, err := ParseSide(ins.Side)
	if err != nil {
		return err
	}
	if ins.LimitPrice == nil {
		return fmt.Errorf("%w: missing limit price", ErrMalformed)
	}
	price, err := fp32.FromDecimal(*ins.LimitPrice)
	if err != nil {
		return fmt.Errorf("%w: limit price: %v", ErrMalformed, err)
	}
	return m.ConfigureAutoRoll(ctx, ins.Signer.Market(), side, price)
}

func disableAutoRoll(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
	side, err := ParseSide(ins.Side)
	if err != nil {
		return err
	}
	return m.DisableAutoRoll(ctx, ins.Signer.Market(), side)
}

func toggleAutoRoll(op func(*market.Market, context.Context, market.Signer, uint64) (bool, error)) handler {
	return func(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
		on, err := op(m, ctx, ins.Signer.Market(), ins.Seq)
		res.Enabled = &on
		return err
	}
}

func roll(op func(*market.Market, context.Context, uuid.UUID, uuid.UUID, uint64) (*market.OrderSummary, error)) handler {
	return func(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
		var err error
		res.Summary, err = op(m, ctx, ins.Signer.User, ins.Owner, ins.Seq)
		return err
	}
}

func adminOp(op func(*market.Market, context.Context, market.Signer) error) handler {
	return func(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
		return op(m, ctx, ins.Signer.Market())
	}
}

func withdrawFees(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	var err error
	res.Amount, err = m.WithdrawFees(ctx, ins.Signer.Market())
	return err
}

func crankOp(op func(*market.Market, context.Context, market.Signer, uuid.UUID) error) handler {
	return func(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
		return op(m, ctx, ins.Signer.Market(), ins.Crank)
	}
}

func registerAdapter(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	var err error
	res.Adapter, err = m.RegisterEventAdapter(ctx, ins.Signer.Market(), ins.Capacity, ins.OwnEvents)
	return err
}

func popAdapter(ctx context.Context, m *market.Market, ins *Instruction, res *Result) error {
	var err error
	res.Adapter = ins.Adapter
	res.Events, err = m.PopAdapterEvents(ctx, ins.Signer.Market(), ins.Adapter, ins.Max)
	return err
}

func removeAdapter(ctx context.Context, m *market.Market, ins *Instruction, _ *Result) error {
	return m.RemoveEventAdapter(ctx, ins.Signer.Market(), ins.Adapter)
}
