package orderbook

import (
	"errors"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/google/uuid"
)

var (
	ErrCapacityExceeded = errors.New("order book side is full")
	ErrNotFound         = errors.New("order not found")
	ErrDuplicateKey     = errors.New("order key already exists")
)

// Flags describe where an order came from and how its fills settle.
type Flags uint8

const (
	// FlagMargin marks orders placed through a margin proxy.
	FlagMargin Flags = 1 << iota
	// FlagNewDebt marks borrow orders that create term loans instead of
	// selling tickets the user already holds.
	FlagNewDebt
	// FlagAutoStake marks lend orders whose fills become term deposits
	// instead of free tickets.
	FlagAutoStake
	// FlagAutoRoll marks orders whose resulting obligations roll at maturity.
	FlagAutoRoll
	// FlagRefinance marks new-debt borrow orders whose proceeds repay the
	// loan named by CallbackInfo.Refinances.
	FlagRefinance
)

func (f Flags) Has(x Flags) bool { return f&x == x }

// CallbackInfo is the opaque data settlement needs to credit the owner of an
// order. It travels with the order record and is copied into every event the
// order produces.
type CallbackInfo struct {
	OrderTag uuid.UUID `json:"order_tag"`
	Owner    uuid.UUID `json:"owner"`
	Flags    Flags     `json:"flags"`
	// Refinances is the sequence of the owner's loan repaid by fills of a
	// FlagRefinance order.
	Refinances uint64 `json:"refinances,omitempty"`
}

// Order is a resting order record.
type Order struct {
	Callback       CallbackInfo `json:"callback"`
	Price          fp32.Price   `json:"price"`
	BaseRemaining  uint64       `json:"base_remaining"`
	QuoteRemaining uint64       `json:"quote_remaining"`
}

// Owner returns the user the order belongs to.
func (o *Order) Owner() uuid.UUID { return o.Callback.Owner }

const nilIndex = ^uint32(0)

type nodeTag uint8

const (
	tagFree nodeTag = iota
	tagInner
	tagLeaf
)

// node is a slab entry. Inner nodes use prefixLen and children; leaves use
// key and order; free nodes link the free list through children[0].
type node struct {
	tag       nodeTag
	prefixLen uint8
	key       Key
	children  [2]uint32
	order     Order
}

// Slab is a fixed-capacity critbit tree. All nodes live in one contiguous
// arena and reference each other by index; removed nodes go to a free list and
// are reused by later inserts. A slab holding capacity leaves never needs
// more than 2*capacity-1 nodes, so inserts never allocate.
type Slab struct {
	nodes    []node
	root     uint32
	freeHead uint32
	bump     uint32
	leaves   int
	capacity int
}

// NewSlab allocates a slab able to hold capacity orders.
func NewSlab(capacity int) *Slab {
	if capacity < 1 {
		capacity = 1
	}
	return &Slab{
		nodes:    make([]node, 2*capacity),
		root:     nilIndex,
		freeHead: nilIndex,
		capacity: capacity,
	}
}

func (s *Slab) Len() int { return s.leaves }
func (s *Slab) Cap() int { return s.capacity }

// Full reports whether another insert would fail with ErrCapacityExceeded.
func (s *Slab) Full() bool { return s.leaves >= s.capacity }

func (s *Slab) alloc() uint32 {
	if s.freeHead != nilIndex {
		i := s.freeHead
		s.freeHead = s.nodes[i].children[0]
		return i
	}
	if int(s.bump) >= len(s.nodes) {
		// unreachable while leaves <= capacity
		panic(fmt.Sprintf("orderbook: slab arena exhausted (%d nodes)", len(s.nodes)))
	}
	i := s.bump
	s.bump++
	return i
}

func (s *Slab) release(i uint32) {
	s.nodes[i] = node{tag: tagFree, children: [2]uint32{s.freeHead, nilIndex}}
	s.freeHead = i
}

// Insert adds an order under key and returns its arena slot.
func (s *Slab) Insert(key Key, order Order) (uint32, error) {
	if s.Full() {
		return 0, ErrCapacityExceeded
	}
	if s.root == nilIndex {
		leaf := s.alloc()
		s.nodes[leaf] = node{tag: tagLeaf, key: key, order: order}
		s.root = leaf
		s.leaves++
		return leaf, nil
	}

	parent, dir := nilIndex, 0
	cur := s.root
	for {
		n := &s.nodes[cur]
		shared := commonPrefix(n.key, key)
		if n.tag == tagInner && shared >= int(n.prefixLen) {
			parent, dir = cur, key.bit(int(n.prefixLen))
			cur = n.children[dir]
			continue
		}
		if shared == keyBits {
			return 0, ErrDuplicateKey
		}

		leaf := s.alloc()
		s.nodes[leaf] = node{tag: tagLeaf, key: key, order: order}
		inner := s.alloc()
		in := node{tag: tagInner, prefixLen: uint8(shared), key: key}
		b := key.bit(shared)
		in.children[b] = leaf
		in.children[1-b] = cur
		s.nodes[inner] = in

		if parent == nilIndex {
			s.root = inner
		} else {
			s.nodes[parent].children[dir] = inner
		}
		s.leaves++
		return leaf, nil
	}
}

// Remove deletes the order stored under key and returns it.
func (s *Slab) Remove(key Key) (Order, error) {
	if s.root == nilIndex {
		return Order{}, ErrNotFound
	}
	grand, grandDir := nilIndex, 0
	parent, dir := nilIndex, 0
	cur := s.root
	for s.nodes[cur].tag == tagInner {
		grand, grandDir = parent, dir
		parent, dir = cur, key.bit(int(s.nodes[cur].prefixLen))
		cur = s.nodes[cur].children[dir]
	}
	if s.nodes[cur].key != key {
		return Order{}, ErrNotFound
	}
	order := s.nodes[cur].order

	switch {
	case parent == nilIndex:
		s.root = nilIndex
	default:
		sibling := s.nodes[parent].children[1-dir]
		if grand == nilIndex {
			s.root = sibling
		} else {
			s.nodes[grand].children[grandDir] = sibling
		}
		s.release(parent)
	}
	s.release(cur)
	s.leaves--
	return order, nil
}

// Find returns the order stored under key. The pointer stays valid until the
// next Insert or Remove.
func (s *Slab) Find(key Key) (*Order, bool) {
	if s.root == nilIndex {
		return nil, false
	}
	cur := s.root
	for s.nodes[cur].tag == tagInner {
		cur = s.nodes[cur].children[key.bit(int(s.nodes[cur].prefixLen))]
	}
	if s.nodes[cur].key != key {
		return nil, false
	}
	return &s.nodes[cur].order, true
}

// Min returns the order with the smallest key.
func (s *Slab) Min() (Key, *Order, bool) { return s.edge(0) }

// Max returns the order with the largest key.
func (s *Slab) Max() (Key, *Order, bool) { return s.edge(1) }

func (s *Slab) edge(dir int) (Key, *Order, bool) {
	if s.root == nilIndex {
		return Key{}, nil, false
	}
	cur := s.root
	for s.nodes[cur].tag == tagInner {
		cur = s.nodes[cur].children[dir]
	}
	return s.nodes[cur].key, &s.nodes[cur].order, true
}

// Ascend calls fn for every order in increasing key order until fn returns
// false. The slab must not be modified while iterating.
func (s *Slab) Ascend(fn func(Key, *Order) bool) { s.walk(0, fn) }

// Descend calls fn for every order in decreasing key order until fn returns
// false. The slab must not be modified while iterating.
func (s *Slab) Descend(fn func(Key, *Order) bool) { s.walk(1, fn) }

func (s *Slab) walk(first int, fn func(Key, *Order) bool) {
	if s.root == nilIndex {
		return
	}
	stack := make([]uint32, 0, 64)
	stack = append(stack, s.root)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &s.nodes[cur]
		if n.tag == tagLeaf {
			if !fn(n.key, &n.order) {
				return
			}
			continue
		}
		stack = append(stack, n.children[1-first], n.children[first])
	}
}

// Clone returns an independent copy of the slab.
func (s *Slab) Clone() *Slab {
	c := *s
	c.nodes = make([]node, len(s.nodes))
	copy(c.nodes, s.nodes)
	return &c
}
