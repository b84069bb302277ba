package market

import (
	"errors"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
)

// Validation errors are returned before any state changes.
var (
	ErrMarketPaused      = errors.New("order matching is paused")
	ErrTicketsPaused     = errors.New("ticket operations are paused")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInvalidTick       = errors.New("price is not a multiple of the tick size")
	ErrBelowMinimumSize  = errors.New("order is below the minimum size")
	ErrPostOnlyCrossed   = errors.New("post-only order would cross the book")
	ErrInvalidAutoRoll   = errors.New("auto-roll limit price must be between 0 and 1")
	ErrAutoRollDisabled  = errors.New("auto-roll is not configured")
	ErrNotMature         = errors.New("obligation has not matured")
	ErrInvalidConfig     = errors.New("invalid market configuration")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrAccountNotEmpty   = errors.New("user account still holds balances, orders or obligations")
	ErrUserExists        = errors.New("user account already registered")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientLiquidity is returned when the vault cannot cover a
	// redemption yet because borrowers have not repaid.
	ErrInsufficientLiquidity = errors.New("insufficient vault liquidity")
)

// Authorization errors.
var (
	ErrUnauthorized = errors.New("caller is not authorized")
)

// Not-found errors.
var (
	ErrUserNotFound       = errors.New("user account not found")
	ErrObligationNotFound = errors.New("obligation not found")
	ErrNotFound           = orderbook.ErrNotFound
)

// Capacity errors are re-exported from the storage packages.
var (
	ErrCapacityExceeded = orderbook.ErrCapacityExceeded
	ErrQueueFull        = eventqueue.ErrQueueFull
)

// ErrArithmetic wraps overflow and underflow conditions.
var ErrArithmetic = errors.New("arithmetic error")

// Internal errors.
var (
	ErrInconsistentAccount = errors.New("account totals do not match obligations")
	ErrSettlementPending   = errors.New("event queue has unsettled events")
	ErrInvalidSnapshot     = errors.New("invalid snapshot")
)

// Error categories used for metrics labels and logging.
const (
	CategoryValidation    = "validation"
	CategoryCapacity      = "capacity"
	CategoryAuthorization = "authorization"
	CategoryArithmetic    = "arithmetic"
	CategoryNotFound      = "not_found"
	CategoryInternal      = "internal"
)

// Category classifies err into one of the Category* constants.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrQueueFull),
		errors.Is(err, eventqueue.ErrTooManyAdapters):
		return CategoryCapacity
	case errors.Is(err, ErrUnauthorized), errors.Is(err, eventqueue.ErrNotAdapterOwner):
		return CategoryAuthorization
	case errors.Is(err, ErrArithmetic), errors.Is(err, fp32.ErrOverflow),
		errors.Is(err, fp32.ErrDivideByZero):
		return CategoryArithmetic
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrObligationNotFound), errors.Is(err, eventqueue.ErrAdapterNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrMarketPaused), errors.Is(err, ErrTicketsPaused),
		errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidTick),
		errors.Is(err, ErrBelowMinimumSize), errors.Is(err, ErrPostOnlyCrossed),
		errors.Is(err, ErrInvalidAutoRoll), errors.Is(err, ErrAutoRollDisabled),
		errors.Is(err, ErrNotMature), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAccountNotEmpty), errors.Is(err, ErrUserExists),
		errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientLiquidity),
		errors.Is(err, ErrInvalidConfig), errors.Is(err, eventqueue.ErrInvalidAdapterCap):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmetic
	}
	return a - b, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrArithmetic
	}
	return s, nil
}
