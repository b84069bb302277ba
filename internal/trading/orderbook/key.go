package orderbook

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
)

// Side of the book. Bids are lend orders (buying tickets with underlying),
// asks are borrow orders (selling tickets for underlying).
type Side uint8

const (
	Bid Side = iota
	Ask
)

// Opposite returns the side an incoming order on s matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "lend"
	case Ask:
		return "borrow"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Valid reports whether s is Bid or Ask.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// keyBits is the width of a Key.
const keyBits = 128

// Key is the 128-bit order identifier. Hi carries the price, Lo carries the
// insertion sequence (inverted on the bid side) so that the natural key order
// is price-time priority: Max on bids and Min on asks is the best order, and
// among equal prices the earliest sequence wins on both sides.
type Key struct {
	Hi uint64
	Lo uint64
}

// NewKey builds the key for an order at price p with insertion sequence seq.
func NewKey(side Side, p fp32.Price, seq uint64) Key {
	if side == Bid {
		return Key{Hi: uint64(p), Lo: ^seq}
	}
	return Key{Hi: uint64(p), Lo: seq}
}

// Price returns the limit price encoded in the key.
func (k Key) Price() fp32.Price {
	return fp32.Price(k.Hi)
}

// Sequence returns the insertion sequence encoded in the key.
func (k Key) Sequence(side Side) uint64 {
	if side == Bid {
		return ^k.Lo
	}
	return k.Lo
}

// Less orders keys as unsigned 128-bit integers.
func (k Key) Less(o Key) bool {
	if k.Hi != o.Hi {
		return k.Hi < o.Hi
	}
	return k.Lo < o.Lo
}

// bit returns the i-th bit counted from the most significant end.
func (k Key) bit(i int) int {
	if i < 64 {
		return int(k.Hi>>(63-i)) & 1
	}
	return int(k.Lo>>(127-i)) & 1
}

// commonPrefix returns the number of leading bits shared by a and b.
func commonPrefix(a, b Key) int {
	if x := a.Hi ^ b.Hi; x != 0 {
		return bits.LeadingZeros64(x)
	}
	if x := a.Lo ^ b.Lo; x != 0 {
		return 64 + bits.LeadingZeros64(x)
	}
	return keyBits
}

func (k Key) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], k.Hi)
	binary.BigEndian.PutUint64(buf[8:], k.Lo)
	return hex.EncodeToString(buf[:])
}

// ParseKey parses the 32-character hex form produced by String.
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	if len(raw) != 16 {
		return Key{}, fmt.Errorf("invalid order id %q: want 16 bytes, got %d", s, len(raw))
	}
	return Key{Hi: binary.BigEndian.Uint64(raw[:8]), Lo: binary.BigEndian.Uint64(raw[8:])}, nil
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
