// Package fp32 implements the 32-bit fraction fixed-point prices used to convert
// between ticket (base) and underlying token (quote) quantities.
//
// A Price is a uint64 whose upper 32 bits hold the integer part and whose lower
// 32 bits hold the fraction, so 0x80000000 is 0.5 and One is 1.0. Every
// multiplication and division goes through a 128-bit intermediate, so inputs up
// to 2^64-1 never overflow silently: they either produce an exact rounded result
// or return ErrOverflow.
package fp32

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Price is a non-negative quote-per-base exchange rate.
type Price uint64

const (
	// FractionBits is the number of fractional bits in a Price.
	FractionBits = 32
	// One is the fixed-point representation of 1.0.
	One Price = 1 << FractionBits

	fractionMask = uint64(One) - 1
)

var (
	ErrOverflow      = errors.New("fp32: arithmetic overflow")
	ErrDivideByZero  = errors.New("fp32: division by zero")
	ErrNegativePrice = errors.New("fp32: negative price")
)

var two32 = decimal.NewFromInt(1 << FractionBits)

// MulFloor returns floor(base * p).
func MulFloor(base uint64, p Price) (uint64, error) {
	hi, lo := bits.Mul64(base, uint64(p))
	if hi>>FractionBits != 0 {
		return 0, ErrOverflow
	}
	return hi<<FractionBits | lo>>FractionBits, nil
}

// MulCeil returns ceil(base * p).
func MulCeil(base uint64, p Price) (uint64, error) {
	q, err := MulFloor(base, p)
	if err != nil {
		return 0, err
	}
	_, lo := bits.Mul64(base, uint64(p))
	if lo&fractionMask == 0 {
		return q, nil
	}
	if q == ^uint64(0) {
		return 0, ErrOverflow
	}
	return q + 1, nil
}

// DivFloor returns floor(quote / p).
func DivFloor(quote uint64, p Price) (uint64, error) {
	q, _, err := div(quote, p)
	return q, err
}

// DivCeil returns ceil(quote / p).
func DivCeil(quote uint64, p Price) (uint64, error) {
	q, rem, err := div(quote, p)
	if err != nil {
		return 0, err
	}
	if rem == 0 {
		return q, nil
	}
	if q == ^uint64(0) {
		return 0, ErrOverflow
	}
	return q + 1, nil
}

func div(quote uint64, p Price) (uint64, uint64, error) {
	if p == 0 {
		return 0, 0, ErrDivideByZero
	}
	hi, lo := quote>>FractionBits, quote<<FractionBits
	if hi >= uint64(p) {
		return 0, 0, ErrOverflow
	}
	q, rem := bits.Div64(hi, lo, uint64(p))
	return q, rem, nil
}

// FromDecimal converts d to the largest Price not greater than d.
func FromDecimal(d decimal.Decimal) (Price, error) {
	if d.IsNegative() {
		return 0, ErrNegativePrice
	}
	scaled := d.Mul(two32).Floor().BigInt()
	if !scaled.IsUint64() {
		return 0, ErrOverflow
	}
	return Price(scaled.Uint64()), nil
}

// MustParse parses a decimal string such as "0.95" and panics on error.
// Intended for constants and tests.
func MustParse(s string) Price {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	p, err := FromDecimal(d)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal returns the exact decimal value of p.
func (p Price) Decimal() decimal.Decimal {
	raw := decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(p)), 0)
	return raw.DivRound(two32, FractionBits)
}

// IsFraction reports whether 0 < p < 1.
func (p Price) IsFraction() bool {
	return p > 0 && p < One
}

func (p Price) String() string {
	return fmt.Sprintf("%s (0x%x)", p.Decimal().String(), uint64(p))
}
