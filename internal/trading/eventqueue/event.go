package eventqueue

import (
	"fmt"
	"unsafe"

	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/google/uuid"
)

// Kind tags the payload carried by an Event.
type Kind uint8

const (
	KindFill Kind = iota + 1
	KindOut
)

func (k Kind) String() string {
	switch k {
	case KindFill:
		return "fill"
	case KindOut:
		return "out"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Fill records one match between a resting maker and an incoming taker.
// The taker side is settled while the order is placed; the event exists so
// the maker side can be settled later.
type Fill struct {
	TakerSide orderbook.Side         `json:"taker_side"`
	MakerKey  orderbook.Key          `json:"maker_key"`
	Maker     orderbook.CallbackInfo `json:"maker"`
	Taker     orderbook.CallbackInfo `json:"taker"`
	Price     fp32.Price             `json:"price"`
	Base      uint64                 `json:"base"`
	Quote     uint64                 `json:"quote"`
	// MakerRefund is reservation dust released when a lend maker is exhausted.
	MakerRefund   uint64 `json:"maker_refund"`
	MakerDone     bool   `json:"maker_done"`
	Timestamp     int64  `json:"timestamp"`
	MakerMaturity int64  `json:"maker_maturity"`
}

// Out records quantity leaving the book without a match: a cancel, a maker
// evicted below the minimum order size, or a taker remainder that was not
// posted.
type Out struct {
	Side     orderbook.Side         `json:"side"`
	Key      orderbook.Key          `json:"key"`
	Callback orderbook.CallbackInfo `json:"callback"`
	Base     uint64                 `json:"base"`
	Quote    uint64                 `json:"quote"`
	// Delete is set when the order no longer rests on the book.
	Delete bool `json:"delete"`
	// Reserved is set when Base/Quote were held at placement time and must be
	// handed back to the owner on settlement.
	Reserved  bool  `json:"reserved"`
	Timestamp int64 `json:"timestamp"`
}

// Event is a fixed-size tagged union; only the payload matching Kind is set.
type Event struct {
	Seq  uint64 `json:"seq"`
	Kind Kind   `json:"kind"`
	Fill Fill   `json:"fill"`
	Out  Out    `json:"out"`
}

// NewFill wraps f into an Event.
func NewFill(f Fill) Event { return Event{Kind: KindFill, Fill: f} }

// NewOut wraps o into an Event.
func NewOut(o Out) Event { return Event{Kind: KindOut, Out: o} }

// Involves reports whether user owns either side of the event.
func (e Event) Involves(user uuid.UUID) bool {
	switch e.Kind {
	case KindFill:
		return e.Fill.Maker.Owner == user || e.Fill.Taker.Owner == user
	case KindOut:
		return e.Out.Callback.Owner == user
	}
	return false
}

var (
	// EventSize is the in-memory size of one queue slot.
	EventSize = int(unsafe.Sizeof(Event{}))
	// HeaderSize is the size of the queue cursors.
	HeaderSize = int(unsafe.Sizeof(Header{}))
)

// ByteSize returns the storage a queue of maxEvents slots occupies.
func ByteSize(maxEvents int) int {
	return HeaderSize + maxEvents*EventSize
}
