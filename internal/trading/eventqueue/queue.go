// Package eventqueue implements the bounded event log written by the matching
// engine and drained by settlement.
//
// The queue is a fixed-capacity ring buffer. Its cursors live in a small
// header: Head is the slot of the oldest unread event, Count the number of
// unread events and NextSeq the sequence number the next pushed event gets.
// A full queue rejects pushes instead of overwriting, which is what lets the
// matching engine refuse orders it could not record.
package eventqueue

import (
	"errors"
)

var ErrQueueFull = errors.New("event queue is full")

// Header holds the queue cursors.
type Header struct {
	Head    uint64 `json:"head"`
	Count   uint64 `json:"count"`
	NextSeq uint64 `json:"next_seq"`
}

// Queue is a FIFO ring buffer of events. It is not safe for concurrent use.
type Queue struct {
	hdr Header
	buf []Event
	// stamp controls whether Push assigns Seq. Mirror queues keep the
	// sequence numbers of the queue they copy from.
	stamp bool
}

// New creates a queue holding at most capacity events.
func New(capacity int) *Queue {
	return newQueue(capacity, true)
}

func newQueue(capacity int, stamp bool) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]Event, capacity), stamp: stamp}
}

func (q *Queue) Len() int       { return int(q.hdr.Count) }
func (q *Queue) Cap() int       { return len(q.buf) }
func (q *Queue) Free() int      { return len(q.buf) - int(q.hdr.Count) }
func (q *Queue) Empty() bool    { return q.hdr.Count == 0 }
func (q *Queue) Header() Header { return q.hdr }

// Push appends e at the tail and returns it as stored. When the queue is full
// it returns ErrQueueFull and leaves the queue untouched.
func (q *Queue) Push(e Event) (Event, error) {
	if int(q.hdr.Count) == len(q.buf) {
		return Event{}, ErrQueueFull
	}
	if q.stamp {
		e.Seq = q.hdr.NextSeq
	}
	q.hdr.NextSeq++
	tail := (q.hdr.Head + q.hdr.Count) % uint64(len(q.buf))
	q.buf[tail] = e
	q.hdr.Count++
	return e, nil
}

// Peek returns up to max events from the head without consuming them.
func (q *Queue) Peek(max int) []Event {
	n := q.available(max)
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.hdr.Head+uint64(i))%uint64(len(q.buf))]
	}
	return out
}

// PopN removes and returns up to max events from the head. An empty queue
// yields an empty slice.
func (q *Queue) PopN(max int) []Event {
	out := q.Peek(max)
	for i := range out {
		q.buf[(q.hdr.Head+uint64(i))%uint64(len(q.buf))] = Event{}
	}
	q.hdr.Head = (q.hdr.Head + uint64(len(out))) % uint64(len(q.buf))
	q.hdr.Count -= uint64(len(out))
	return out
}

func (q *Queue) available(max int) int {
	if max < 0 {
		max = 0
	}
	if uint64(max) > q.hdr.Count {
		return int(q.hdr.Count)
	}
	return max
}

// Events returns every unread event in FIFO order.
func (q *Queue) Events() []Event {
	return q.Peek(int(q.hdr.Count))
}

// Clone returns an independent copy of the queue.
func (q *Queue) Clone() *Queue {
	c := *q
	c.buf = make([]Event, len(q.buf))
	copy(c.buf, q.buf)
	return &c
}

// Restore rebuilds a queue of the given capacity holding events, with the
// next sequence number set to nextSeq.
func Restore(capacity int, events []Event, nextSeq uint64) (*Queue, error) {
	q := New(capacity)
	if len(events) > q.Cap() {
		return nil, ErrQueueFull
	}
	copy(q.buf, events)
	q.hdr = Header{Head: 0, Count: uint64(len(events)), NextSeq: nextSeq}
	return q, nil
}
