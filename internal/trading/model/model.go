// Package model defines the wire form of market instructions and their
// results, shared by the kafka dispatcher, the journal and the crank.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instruction types
const (
	// Accounts
	TypeRegisterUser       = "REGISTER_USER"
	TypeCloseUser          = "CLOSE_USER"
	TypeDepositUnderlying  = "DEPOSIT_UNDERLYING"
	TypeWithdrawUnderlying = "WITHDRAW_UNDERLYING"
	TypeDepositTickets     = "DEPOSIT_TICKETS"
	TypeWithdrawTickets    = "WITHDRAW_TICKETS"

	// Trading
	TypePlaceOrder    = "PLACE_ORDER"
	TypeCancelOrder   = "CANCEL_ORDER"
	TypeConsumeEvents = "CONSUME_EVENTS"

	// Obligations
	TypeMarkDue               = "MARK_DUE"
	TypeRepay                 = "REPAY"
	TypeStakeTickets          = "STAKE_TICKETS"
	TypeRedeemDeposit         = "REDEEM_DEPOSIT"
	TypeConfigureAutoRoll     = "CONFIGURE_AUTO_ROLL"
	TypeDisableAutoRoll       = "DISABLE_AUTO_ROLL"
	TypeToggleLoanAutoRoll    = "TOGGLE_LOAN_AUTO_ROLL"
	TypeToggleDepositAutoRoll = "TOGGLE_DEPOSIT_AUTO_ROLL"
	TypeRollLoan              = "ROLL_LOAN"
	TypeRollDeposit           = "ROLL_DEPOSIT"

	// Administration
	TypePauseMatching  = "PAUSE_MATCHING"
	TypeResumeMatching = "RESUME_MATCHING"
	TypePauseTickets   = "PAUSE_TICKETS"
	TypeResumeTickets  = "RESUME_TICKETS"
	TypeWithdrawFees   = "WITHDRAW_FEES"
	TypeAuthorizeCrank = "AUTHORIZE_CRANK"
	TypeRevokeCrank    = "REVOKE_CRANK"

	// Event adapters
	TypeRegisterAdapter = "REGISTER_ADAPTER"
	TypePopAdapter      = "POP_ADAPTER"
	TypeRemoveAdapter   = "REMOVE_ADAPTER"
)

// Order types and sides as they appear on the wire
const (
	OrderTypeLimit             = "LIMIT"
	OrderTypePostOnly          = "POST_ONLY"
	OrderTypeImmediateOrCancel = "IOC"

	SideLend   = "LEND"
	SideBorrow = "BORROW"
)

// Signer is the wire form of market.Signer. A non-nil Proxy makes it a
// margin proxy signature.
type Signer struct {
	User  uuid.UUID `json:"user" validate:"required"`
	Proxy uuid.UUID `json:"proxy"`
}

// Market converts s to the engine's signer.
func (s Signer) Market() market.Signer {
	if s.Proxy != uuid.Nil {
		return market.Proxy(s.User, s.Proxy)
	}
	return market.Direct(s.User)
}

// SignerOf is the inverse of Signer.Market.
func SignerOf(s market.Signer) Signer {
	if p, ok := s.(market.ProxySigner); ok {
		return Signer{User: p.ID, Proxy: p.Proxy}
	}
	return Signer{User: s.User()}
}

// Order is the wire form of market.OrderParams. Prices are decimal fractions
// of par; a zero MaxQuote places no cap on quote.
type Order struct {
	Side       string          `json:"side" validate:"required,oneof=LEND BORROW"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	MaxBase    uint64          `json:"max_base" validate:"gt=0"`
	MaxQuote   uint64          `json:"max_quote,omitempty"`
	Type       string          `json:"type,omitempty" validate:"omitempty,oneof=LIMIT POST_ONLY IOC"`
	AutoStake  bool            `json:"auto_stake,omitempty"`
	AutoRoll   bool            `json:"auto_roll,omitempty"`
	MatchLimit int             `json:"match_limit,omitempty" validate:"gte=0"`
}

// Params converts o to engine parameters.
func (o *Order) Params() (market.OrderParams, error) {
	side, err := ParseSide(o.Side)
	if err != nil {
		return market.OrderParams{}, err
	}
	price, err := fp32.FromDecimal(o.LimitPrice)
	if err != nil {
		return market.OrderParams{}, fmt.Errorf("%w: limit price: %v", ErrMalformed, err)
	}
	p := market.OrderParams{
		Side:       side,
		LimitPrice: price,
		MaxBase:    o.MaxBase,
		MaxQuote:   o.MaxQuote,
		AutoStake:  o.AutoStake,
		AutoRoll:   o.AutoRoll,
		MatchLimit: o.MatchLimit,
	}
	if p.MaxQuote == 0 {
		p.MaxQuote = math.MaxUint64
	}
	switch o.Type {
	case "", OrderTypeLimit:
		p.Type = market.OrderLimit
	case OrderTypePostOnly:
		p.Type = market.OrderPostOnly
	case OrderTypeImmediateOrCancel:
		p.Type = market.OrderImmediateOrCancel
	default:
		return market.OrderParams{}, fmt.Errorf("%w: order type %q", ErrMalformed, o.Type)
	}
	return p, nil
}

// ParseSide maps LEND and BORROW to the book sides.
func ParseSide(s string) (orderbook.Side, error) {
	switch s {
	case SideLend:
		return orderbook.Bid, nil
	case SideBorrow:
		return orderbook.Ask, nil
	default:
		return 0, fmt.Errorf("%w: side %q", ErrMalformed, s)
	}
}

// SideName is the inverse of ParseSide.
func SideName(s orderbook.Side) string {
	if s == orderbook.Bid {
		return SideLend
	}
	return SideBorrow
}

// Instruction is one request to a market. Only the fields used by Type are
// read. Crank instructions (consume, roll) are signed by the crank.
type Instruction struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type" validate:"required"`
	Market    uuid.UUID `json:"market" validate:"required"`
	Signer    Signer    `json:"signer"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	Order      *Order           `json:"order,omitempty"`
	Side       string           `json:"side,omitempty" validate:"omitempty,oneof=LEND BORROW"`
	Key        *orderbook.Key   `json:"key,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Amount     uint64           `json:"amount,omitempty"`
	Margin     bool             `json:"margin,omitempty"`
	Owner      uuid.UUID        `json:"owner"`
	Seq        uint64           `json:"seq,omitempty"`
	Max        int              `json:"max,omitempty" validate:"gte=0"`
	Crank      uuid.UUID        `json:"crank"`
	Adapter    uuid.UUID        `json:"adapter"`
	Capacity   int              `json:"capacity,omitempty" validate:"gte=0"`
	OwnEvents  bool             `json:"own_events,omitempty"`
}

// Result is the outcome of an instruction. Error and Category are set when
// the instruction was rejected; nothing else is.
type Result struct {
	Instruction uuid.UUID `json:"instruction"`
	Type        string    `json:"type"`
	Market      uuid.UUID `json:"market"`
	Seq         uint64    `json:"seq,omitempty"`
	Error       string    `json:"error,omitempty"`
	Category    string    `json:"category,omitempty"`

	Summary *market.OrderSummary     `json:"summary,omitempty"`
	Out     *eventqueue.Out          `json:"out,omitempty"`
	Report  *market.SettlementReport `json:"report,omitempty"`
	Deposit *market.TermDeposit      `json:"deposit,omitempty"`
	Account *market.UserAccount      `json:"account,omitempty"`
	Events  []eventqueue.Event       `json:"events,omitempty"`
	Amount  uint64                   `json:"amount,omitempty"`
	Enabled *bool                    `json:"enabled,omitempty"`
	Adapter uuid.UUID                `json:"adapter"`
}

// Failed reports whether the instruction was rejected.
func (r *Result) Failed() bool { return r.Error != "" }

// Known reports whether typ is an instruction type.
func Known(typ string) bool {
	_, ok := handlers[typ]
	return ok
}
