package model

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.NewMarket(market.Config{
		ID:               uuid.New(),
		Authority:        uuid.New(),
		FeeDestination:   uuid.New(),
		BorrowTenor:      86400,
		LendTenor:        86400,
		TickSize:         1,
		MinBaseOrderSize: 10,
		OrderCapacity:    16,
		EventCapacity:    32,
		MaxAdapters:      2,
	}, market.WithClock(market.NewManualClock(time.Unix(1_700_000_000, 0))))
	require.NoError(t, err)
	return m
}

func apply(t *testing.T, m *market.Market, ins *Instruction) *Result {
	t.Helper()
	ins.ID = uuid.New()
	ins.Market = m.ID()
	res, err := Apply(context.Background(), m, ins)
	require.NoError(t, err, "%s", ins.Type)
	return res
}

func TestApply_OrderLifecycle(t *testing.T) {
	m := newMarket(t)
	lender := Signer{User: uuid.New()}
	seller := Signer{User: uuid.New()}

	res := apply(t, m, &Instruction{Type: TypeRegisterUser, Signer: lender})
	require.NotNil(t, res.Account)
	apply(t, m, &Instruction{Type: TypeRegisterUser, Signer: seller})
	apply(t, m, &Instruction{Type: TypeDepositUnderlying, Signer: lender, Amount: 100})
	apply(t, m, &Instruction{Type: TypeDepositTickets, Signer: seller, Amount: 50})

	res = apply(t, m, &Instruction{Type: TypePlaceOrder, Signer: seller, Order: &Order{
		Side:       SideBorrow,
		LimitPrice: decimal.RequireFromString("0.5"),
		MaxBase:    50,
	}})
	require.NotNil(t, res.Summary)
	assert.True(t, res.Summary.Posted)
	key := res.Summary.Key

	res = apply(t, m, &Instruction{Type: TypePlaceOrder, Signer: lender, Order: &Order{
		Side:       SideLend,
		LimitPrice: decimal.RequireFromString("0.5"),
		MaxBase:    20,
		Type:       OrderTypeImmediateOrCancel,
	}})
	assert.Equal(t, uint64(20), res.Summary.BaseFilled)
	assert.Equal(t, uint64(10), res.Summary.QuoteFilled)

	res = apply(t, m, &Instruction{Type: TypeCancelOrder, Signer: seller, Side: SideBorrow, Key: &key})
	require.NotNil(t, res.Out)
	assert.Equal(t, uint64(30), res.Out.Base)

	crank := uuid.New()
	authority := Signer{User: m.Config().Authority}
	apply(t, m, &Instruction{Type: TypeAuthorizeCrank, Signer: authority, Crank: crank})
	res = apply(t, m, &Instruction{Type: TypeConsumeEvents, Signer: Signer{User: crank}, Max: 10})
	assert.Equal(t, 2, res.Report.Processed)
	assert.NoError(t, m.Audit())
}

func TestApply_Rejections(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	user := Signer{User: uuid.New()}

	tests := []struct {
		name     string
		ins      Instruction
		err      error
		category string
	}{
		{"unknown type", Instruction{Type: "LIQUIDATE", Market: m.ID(), Signer: user}, ErrUnknownType, market.CategoryValidation},
		{"wrong market", Instruction{Type: TypeRegisterUser, Market: uuid.New(), Signer: user}, ErrWrongMarket, market.CategoryValidation},
		{"missing signer", Instruction{Type: TypeRegisterUser, Market: m.ID()}, ErrMalformed, market.CategoryValidation},
		{"missing order", Instruction{Type: TypePlaceOrder, Market: m.ID(), Signer: user}, ErrMalformed, market.CategoryValidation},
		{"bad side", Instruction{Type: TypeDisableAutoRoll, Market: m.ID(), Signer: user, Side: "SHORT"}, ErrMalformed, market.CategoryValidation},
		{"no account", Instruction{Type: TypeDepositUnderlying, Market: m.ID(), Signer: user, Amount: 1}, market.ErrUserNotFound, market.CategoryNotFound},
		{"not authority", Instruction{Type: TypePauseMatching, Market: m.ID(), Signer: user}, market.ErrUnauthorized, market.CategoryAuthorization},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Apply(ctx, m, &tc.ins)
			assert.ErrorIs(t, err, tc.err)
			require.NotNil(t, res)
			assert.True(t, res.Failed())
			assert.Equal(t, tc.category, res.Category)
			assert.Nil(t, res.Summary)
		})
	}
}

func TestOrder_Params(t *testing.T) {
	o := Order{Side: SideLend, LimitPrice: decimal.RequireFromString("0.25"), MaxBase: 10}
	p, err := o.Params()
	require.NoError(t, err)
	assert.Equal(t, orderbook.Bid, p.Side)
	assert.Equal(t, uint64(math.MaxUint64), p.MaxQuote, "zero max quote is unbounded")
	assert.Equal(t, market.OrderLimit, p.Type)
	assert.Equal(t, "0.25", p.LimitPrice.Decimal().String())

	o.Type = "FOK"
	_, err = o.Params()
	assert.ErrorIs(t, err, ErrMalformed)

	o.Type = OrderTypePostOnly
	o.LimitPrice = decimal.RequireFromString("-1")
	_, err = o.Params()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInstruction_WireFormat(t *testing.T) {
	key := orderbook.NewKey(orderbook.Ask, 0x80000000, 7)
	raw := `{
		"id": "6f1c6a8e-1d6b-4a57-9b3e-3f1c2c7c7b10",
		"type": "CANCEL_ORDER",
		"market": "0b0e0f3a-1111-4222-8333-944445555666",
		"signer": {"user": "1a2b3c4d-0000-4000-8000-000000000001", "proxy": "00000000-0000-0000-0000-000000000000"},
		"side": "BORROW",
		"key": "` + key.String() + `"
	}`
	var ins Instruction
	require.NoError(t, json.Unmarshal([]byte(raw), &ins))
	require.NoError(t, ins.Validate())
	require.NotNil(t, ins.Key)
	assert.Equal(t, key, *ins.Key)
	assert.IsType(t, market.DirectSigner{}, ins.Signer.Market())

	proxied := SignerOf(market.Proxy(uuid.New(), uuid.New()))
	assert.True(t, proxied.Market().Proxied())
}

func TestNewFillRecord(t *testing.T) {
	maker, taker := uuid.New(), uuid.New()
	e := eventqueue.NewFill(eventqueue.Fill{
		TakerSide: orderbook.Bid,
		Maker:     orderbook.CallbackInfo{Owner: maker},
		Taker:     orderbook.CallbackInfo{Owner: taker},
		Price:     0x40000000,
		Base:      40,
		Quote:     10,
		Timestamp: 1_700_000_000,
	})
	e.Seq = 3
	rec := NewFillRecord(uuid.Nil, e)
	require.NotNil(t, rec)
	assert.Equal(t, SideLend, rec.TakerSide)
	assert.Equal(t, "0.25", rec.Price.String())
	assert.Equal(t, maker, rec.Maker)
	assert.Nil(t, NewFillRecord(uuid.Nil, eventqueue.NewOut(eventqueue.Out{})))
}
