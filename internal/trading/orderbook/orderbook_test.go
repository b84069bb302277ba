package orderbook

import (
	"sort"
	"testing"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func order(base uint64) Order {
	return Order{Callback: CallbackInfo{Owner: uuid.New()}, BaseRemaining: base}
}

func TestSlab_InsertFindRemove(t *testing.T) {
	s := NewSlab(4)
	k1 := NewKey(Ask, 100, 0)
	k2 := NewKey(Ask, 50, 1)

	_, err := s.Insert(k1, order(10))
	require.NoError(t, err)
	_, err = s.Insert(k2, order(20))
	require.NoError(t, err)

	o, ok := s.Find(k2)
	require.True(t, ok)
	assert.Equal(t, uint64(20), o.BaseRemaining)

	_, err = s.Insert(k1, order(1))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	removed, err := s.Remove(k1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), removed.BaseRemaining)

	_, err = s.Remove(k1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok = s.Find(k1)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestSlab_CapacityExceededLeavesSlabUnchanged(t *testing.T) {
	s := NewSlab(3)
	for i := uint64(0); i < 3; i++ {
		_, err := s.Insert(NewKey(Ask, fp32.Price(10+i), i), order(i+1))
		require.NoError(t, err)
	}
	before := s.Clone()

	_, err := s.Insert(NewKey(Ask, 1, 99), order(5))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, s)
}

func TestSlab_ReusesFreedSlots(t *testing.T) {
	s := NewSlab(2)
	for round := uint64(0); round < 100; round++ {
		k := NewKey(Bid, fp32.Price(round%7+1), round)
		_, err := s.Insert(k, order(1))
		require.NoError(t, err)
		_, err = s.Remove(k)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.Len())
	assert.LessOrEqual(t, int(s.bump), 2*s.Cap())
}

func TestBook_BestIsPriceThenTime(t *testing.T) {
	b := NewBook(8)
	half := fp32.Price(0x80000000)

	// bids: highest price first, then earliest
	first := b.NextKey(Bid, half)
	_, _ = b.Insert(Bid, first, order(1))
	_, _ = b.Insert(Bid, b.NextKey(Bid, half), order(2))
	_, _ = b.Insert(Bid, b.NextKey(Bid, half-1), order(3))

	k, o, ok := b.Best(Bid)
	require.True(t, ok)
	assert.Equal(t, first, k)
	assert.Equal(t, uint64(1), o.BaseRemaining)

	// asks: lowest price first, then earliest
	_, _ = b.Insert(Ask, b.NextKey(Ask, half), order(4))
	low := b.NextKey(Ask, half-5)
	_, _ = b.Insert(Ask, low, order(5))
	_, _ = b.Insert(Ask, b.NextKey(Ask, half-5), order(6))

	k, o, ok = b.Best(Ask)
	require.True(t, ok)
	assert.Equal(t, low, k)
	assert.Equal(t, uint64(5), o.BaseRemaining)
}

func TestKey_TextRoundTrip(t *testing.T) {
	k := NewKey(Bid, 0x80000000, 42)
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.Equal(t, uint64(42), parsed.Sequence(Bid))
	assert.Equal(t, fp32.Price(0x80000000), parsed.Price())

	_, err = ParseKey("zz")
	assert.Error(t, err)
}

// Property: iteration in priority order is sorted by price (best first) and
// then by ascending insertion sequence, and Best agrees with the first entry.
func TestBook_IterationIsPriceTimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		side := Side(rapid.IntRange(0, 1).Draw(t, "side"))
		n := rapid.IntRange(1, 64).Draw(t, "n")
		b := NewBook(64)

		type placed struct {
			price fp32.Price
			seq   uint64
		}
		var all []placed
		for i := 0; i < n; i++ {
			p := fp32.Price(rapid.Uint64Range(1, 8).Draw(t, "price"))
			k := b.NextKey(side, p)
			if _, err := b.Insert(side, k, order(1)); err != nil {
				t.Fatalf("insert: %v", err)
			}
			all = append(all, placed{price: p, seq: k.Sequence(side)})
		}

		// remove a random subset to exercise the free list
		removeCount := rapid.IntRange(0, n-1).Draw(t, "removeCount")
		for i := 0; i < removeCount; i++ {
			victim := all[i]
			if _, err := b.Remove(side, NewKey(side, victim.price, victim.seq)); err != nil {
				t.Fatalf("remove: %v", err)
			}
		}
		all = all[removeCount:]

		sort.Slice(all, func(i, j int) bool {
			if all[i].price != all[j].price {
				if side == Bid {
					return all[i].price > all[j].price
				}
				return all[i].price < all[j].price
			}
			return all[i].seq < all[j].seq
		})

		got := b.Orders(side)
		if len(got) != len(all) {
			t.Fatalf("got %d orders, want %d", len(got), len(all))
		}
		for i, e := range got {
			if e.Key.Price() != all[i].price || e.Key.Sequence(side) != all[i].seq {
				t.Fatalf("position %d: got (%d,%d) want (%d,%d)", i,
					e.Key.Price(), e.Key.Sequence(side), all[i].price, all[i].seq)
			}
		}
		best, _, ok := b.Best(side)
		if !ok || best != got[0].Key {
			t.Fatalf("best %v does not match first iterated %v", best, got[0].Key)
		}
	})
}

func TestBook_RestoreReproducesOrders(t *testing.T) {
	b := NewBook(4)
	for i := 0; i < 3; i++ {
		_, err := b.Insert(Bid, b.NextKey(Bid, fp32.Price(i+1)), order(uint64(i+1)))
		require.NoError(t, err)
	}
	_, err := b.Insert(Ask, b.NextKey(Ask, 9), order(7))
	require.NoError(t, err)

	restored, err := Restore(4, b.Orders(Bid), b.Orders(Ask), [2]uint64{b.Sequence(Bid), b.Sequence(Ask)})
	require.NoError(t, err)
	assert.Equal(t, b.Orders(Bid), restored.Orders(Bid))
	assert.Equal(t, b.Orders(Ask), restored.Orders(Ask))
	assert.Equal(t, b.Sequence(Bid), restored.Sequence(Bid))
}

func TestCrosses(t *testing.T) {
	assert.True(t, Crosses(Bid, 10, 10))
	assert.True(t, Crosses(Bid, 10, 9))
	assert.False(t, Crosses(Bid, 10, 11))
	assert.True(t, Crosses(Ask, 10, 11))
	assert.False(t, Crosses(Ask, 10, 9))
}
