package eventqueue

import (
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrAdapterNotFound   = errors.New("event adapter not found")
	ErrAdapterExists     = errors.New("event adapter already registered")
	ErrTooManyAdapters   = errors.New("event adapter limit reached")
	ErrNotAdapterOwner   = errors.New("caller does not own the event adapter")
	ErrInvalidAdapterCap = errors.New("event adapter capacity must be positive")
)

// Adapter is a private copy of the event feed for one subscriber. It has its
// own cursors, so a slow subscriber never holds up settlement or other
// subscribers: when its queue is full, new events are dropped and counted.
type Adapter struct {
	ID         uuid.UUID
	Subscriber uuid.UUID
	// OwnEventsOnly limits the feed to events involving Subscriber.
	OwnEventsOnly bool
	Dropped       uint64
	queue         *Queue
}

// Wants reports whether e belongs in the adapter's feed.
func (a *Adapter) Wants(e Event) bool {
	return !a.OwnEventsOnly || e.Involves(a.Subscriber)
}

func (a *Adapter) Len() int { return a.queue.Len() }
func (a *Adapter) Cap() int { return a.queue.Cap() }

// AdapterState is the exported form of an adapter used by snapshots.
type AdapterState struct {
	ID            uuid.UUID `json:"id"`
	Subscriber    uuid.UUID `json:"subscriber"`
	OwnEventsOnly bool      `json:"own_events_only"`
	Dropped       uint64    `json:"dropped"`
	Capacity      int       `json:"capacity"`
	NextSeq       uint64    `json:"next_seq"`
	Events        []Event   `json:"events"`
}

// Adapters is the registry of adapter queues fed by one market.
type Adapters struct {
	max  int
	byID map[uuid.UUID]*Adapter
}

// NewAdapters creates a registry accepting up to max adapters.
func NewAdapters(max int) *Adapters {
	return &Adapters{max: max, byID: make(map[uuid.UUID]*Adapter)}
}

func (r *Adapters) Len() int { return len(r.byID) }

// Register creates an adapter with its own queue of the given capacity.
func (r *Adapters) Register(id, subscriber uuid.UUID, ownEventsOnly bool, capacity int) error {
	if capacity < 1 {
		return ErrInvalidAdapterCap
	}
	if _, ok := r.byID[id]; ok {
		return ErrAdapterExists
	}
	if len(r.byID) >= r.max {
		return ErrTooManyAdapters
	}
	r.byID[id] = &Adapter{
		ID:            id,
		Subscriber:    subscriber,
		OwnEventsOnly: ownEventsOnly,
		queue:         newQueue(capacity, false),
	}
	return nil
}

// Get returns the adapter registered under id.
func (r *Adapters) Get(id uuid.UUID) (*Adapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Fanout copies e into every adapter that wants it and returns how many
// adapters had to drop it.
func (r *Adapters) Fanout(e Event) int {
	dropped := 0
	for _, id := range r.ids() {
		a := r.byID[id]
		if !a.Wants(e) {
			continue
		}
		if _, err := a.queue.Push(e); err != nil {
			a.Dropped++
			dropped++
		}
	}
	return dropped
}

// Pop drains up to max events from the adapter owned by subscriber.
func (r *Adapters) Pop(id, subscriber uuid.UUID, max int) ([]Event, error) {
	a, err := r.owned(id, subscriber)
	if err != nil {
		return nil, err
	}
	return a.queue.PopN(max), nil
}

// Remove unregisters the adapter owned by subscriber.
func (r *Adapters) Remove(id, subscriber uuid.UUID) error {
	if _, err := r.owned(id, subscriber); err != nil {
		return err
	}
	delete(r.byID, id)
	return nil
}

func (r *Adapters) owned(id, subscriber uuid.UUID) (*Adapter, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	if a.Subscriber != subscriber {
		return nil, ErrNotAdapterOwner
	}
	return a, nil
}

// ids returns adapter ids in a stable order so fan-out is deterministic.
func (r *Adapters) ids() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Clone returns an independent copy of the registry.
func (r *Adapters) Clone() *Adapters {
	c := &Adapters{max: r.max, byID: make(map[uuid.UUID]*Adapter, len(r.byID))}
	for id, a := range r.byID {
		cp := *a
		cp.queue = a.queue.Clone()
		c.byID[id] = &cp
	}
	return c
}

// States exports every adapter in id order.
func (r *Adapters) States() []AdapterState {
	out := make([]AdapterState, 0, len(r.byID))
	for _, id := range r.ids() {
		a := r.byID[id]
		out = append(out, AdapterState{
			ID:            a.ID,
			Subscriber:    a.Subscriber,
			OwnEventsOnly: a.OwnEventsOnly,
			Dropped:       a.Dropped,
			Capacity:      a.queue.Cap(),
			NextSeq:       a.queue.hdr.NextSeq,
			Events:        a.queue.Events(),
		})
	}
	return out
}

// RestoreAdapters rebuilds a registry from exported states.
func RestoreAdapters(max int, states []AdapterState) (*Adapters, error) {
	r := NewAdapters(max)
	for _, st := range states {
		if err := r.Register(st.ID, st.Subscriber, st.OwnEventsOnly, st.Capacity); err != nil {
			return nil, err
		}
		a := r.byID[st.ID]
		a.Dropped = st.Dropped
		for _, e := range st.Events {
			if _, err := a.queue.Push(e); err != nil {
				return nil, err
			}
		}
		a.queue.hdr.NextSeq = st.NextSeq
	}
	return r, nil
}
