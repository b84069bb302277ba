// Package orderbook stores the resting orders of one market.
//
// How it works:
//   - Each side is a fixed-capacity critbit Slab keyed by a 128-bit Key.
//   - The key puts the price in the high bits and the insertion sequence in
//     the low bits, so walking a side in key order is price-time priority.
//   - Bids (lend orders) are best at the maximum key, asks (borrow orders) at
//     the minimum key.
//
// The book is not safe for concurrent use; the market serialises access.
package orderbook

import (
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
)

// Entry is an order together with its key, as returned by Orders.
type Entry struct {
	Key   Key   `json:"key"`
	Order Order `json:"order"`
}

// Book holds both sides of a market and their sequence counters.
type Book struct {
	sides   [2]*Slab
	nextSeq [2]uint64
}

// NewBook creates a book with capacity resting orders per side.
func NewBook(capacity int) *Book {
	return &Book{sides: [2]*Slab{NewSlab(capacity), NewSlab(capacity)}}
}

// Side returns the slab for s.
func (b *Book) Side(s Side) *Slab { return b.sides[s] }

// NextKey reserves the next sequence number on side s and returns the key an
// order at price p would rest under.
func (b *Book) NextKey(s Side, p fp32.Price) Key {
	seq := b.nextSeq[s]
	b.nextSeq[s]++
	return NewKey(s, p, seq)
}

// Sequence returns the next sequence number that NextKey will hand out on s.
func (b *Book) Sequence(s Side) uint64 { return b.nextSeq[s] }

func (b *Book) Insert(s Side, k Key, o Order) (uint32, error) { return b.sides[s].Insert(k, o) }
func (b *Book) Remove(s Side, k Key) (Order, error)          { return b.sides[s].Remove(k) }
func (b *Book) Find(s Side, k Key) (*Order, bool)            { return b.sides[s].Find(k) }
func (b *Book) Len(s Side) int                               { return b.sides[s].Len() }

// Best returns the highest priority order on side s.
func (b *Book) Best(s Side) (Key, *Order, bool) {
	if s == Bid {
		return b.sides[s].Max()
	}
	return b.sides[s].Min()
}

// Iterate walks side s in priority order: best price first, earliest
// sequence first among equal prices.
func (b *Book) Iterate(s Side, fn func(Key, *Order) bool) {
	if s == Bid {
		b.sides[s].Descend(fn)
		return
	}
	b.sides[s].Ascend(fn)
}

// Orders returns a copy of side s in priority order.
func (b *Book) Orders(s Side) []Entry {
	out := make([]Entry, 0, b.sides[s].Len())
	b.Iterate(s, func(k Key, o *Order) bool {
		out = append(out, Entry{Key: k, Order: *o})
		return true
	})
	return out
}

// Crosses reports whether a maker resting at makerPrice satisfies the limit
// of a taker on side taker.
func Crosses(taker Side, limit, makerPrice fp32.Price) bool {
	if taker == Bid {
		return makerPrice <= limit
	}
	return makerPrice >= limit
}

// Clone returns an independent copy of the book.
func (b *Book) Clone() *Book {
	return &Book{
		sides:   [2]*Slab{b.sides[Bid].Clone(), b.sides[Ask].Clone()},
		nextSeq: b.nextSeq,
	}
}

// Restore rebuilds a book from entries previously returned by Orders and the
// sequence counters that were current at the time.
func Restore(capacity int, bids, asks []Entry, nextSeq [2]uint64) (*Book, error) {
	b := NewBook(capacity)
	for _, e := range bids {
		if _, err := b.Insert(Bid, e.Key, e.Order); err != nil {
			return nil, err
		}
	}
	for _, e := range asks {
		if _, err := b.Insert(Ask, e.Key, e.Order); err != nil {
			return nil, err
		}
	}
	b.nextSeq = nextSeq
	return b, nil
}
