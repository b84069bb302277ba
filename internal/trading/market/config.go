package market

import (
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config is fixed when the market is initialized.
type Config struct {
	ID             uuid.UUID `json:"id" validate:"required"`
	Authority      uuid.UUID `json:"authority" validate:"required"`
	FeeDestination uuid.UUID `json:"fee_destination" validate:"required"`
	// Tenors are in seconds.
	BorrowTenor int64 `json:"borrow_tenor" validate:"gt=0"`
	LendTenor   int64 `json:"lend_tenor" validate:"gt=0"`
	// OriginationFee is charged on borrow proceeds as a fraction of quote.
	OriginationFee   fp32.Price `json:"origination_fee" validate:"lt=4294967296"`
	TickSize         fp32.Price `json:"tick_size" validate:"gt=0"`
	MinBaseOrderSize uint64     `json:"min_base_order_size" validate:"gt=0"`
	OrderCapacity    int        `json:"order_capacity" validate:"gt=0"`
	EventCapacity    int        `json:"event_capacity" validate:"gt=0"`
	MaxAdapters      int        `json:"max_adapters" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the configuration and wraps failures in ErrInvalidConfig.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// tenor is the term of obligations created on side.
func (c Config) tenor(side orderbook.Side) int64 {
	if side == orderbook.Bid {
		return c.LendTenor
	}
	return c.BorrowTenor
}
