// Package admission bounds the engine's total concurrent work. A
// fixed pool of slots is granted immediately while capacity lasts;
// further submissions wait in a bounded queue (FIFO, or priority with
// a stable arrival tie-break) and anything beyond the queue depth is
// rejected outright, leaving no state behind.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Decision reports how a submission was admitted.
type Decision int

const (
	// Accepted: capacity was available, the job may start immediately.
	Accepted Decision = iota
	// Queued: the job waited for a slot in arrival (or priority) order.
	Queued
	// Rejected: the queue was full.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Queued:
		return "queued"
	default:
		return "rejected"
	}
}

// ErrOverloaded is returned when both the slot pool and the queue are
// full. The caller should back off and resubmit.
var ErrOverloaded = errors.New("admission: overloaded")

type Config struct {
	// MaxConcurrent is the number of slots. Defaults to 16.
	MaxConcurrent int
	// MaxQueue is the number of submissions allowed to wait. Defaults
	// to 64.
	MaxQueue int
	// PriorityOrdering switches the wait queue from FIFO to
	// highest-priority-first with a stable arrival tie-break.
	PriorityOrdering bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 64
	}
	return c
}

// Controller is the admission gate. Safe for concurrent use.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	free    int
	waiters waiterQueue
	seq     uint64

	inflight atomic.Int64
}

func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{cfg: cfg, free: cfg.MaxConcurrent}
}

// Ticket is an admitted slot. Release returns the slot, waking the
// next waiter if any. Releasing twice is a no-op.
type Ticket struct {
	c    *Controller
	once sync.Once
}

func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.c.mu.Lock()
		t.c.releaseSlotLocked()
		t.c.mu.Unlock()
	})
}

// Submit asks for a slot. It returns immediately with Accepted or
// Rejected; with a full pool and queue space it blocks until a slot is
// handed over (Queued) or ctx is cancelled. A rejected or cancelled
// submission leaves no state behind.
func (c *Controller) Submit(ctx context.Context, priority int) (*Ticket, Decision, error) {
	c.mu.Lock()
	if c.free > 0 {
		c.free--
		c.inflight.Add(1)
		c.mu.Unlock()
		return &Ticket{c: c}, Accepted, nil
	}
	if len(c.waiters) >= c.cfg.MaxQueue {
		c.mu.Unlock()
		return nil, Rejected, ErrOverloaded
	}
	c.seq++
	w := &waiter{
		priority: priority,
		seq:      c.seq,
		fifo:     !c.cfg.PriorityOrdering,
		ready:    make(chan struct{}),
	}
	heap.Push(&c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return &Ticket{c: c}, Queued, nil
	case <-ctx.Done():
		c.mu.Lock()
		if w.granted {
			// The slot was handed over while we were cancelling; give
			// it straight back.
			c.releaseSlotLocked()
		} else {
			heap.Remove(&c.waiters, w.index)
		}
		c.mu.Unlock()
		return nil, Queued, ctx.Err()
	}
}

// releaseSlotLocked hands the freed slot to the next waiter, or
// returns it to the pool. Caller holds c.mu.
func (c *Controller) releaseSlotLocked() {
	c.inflight.Add(-1)
	if len(c.waiters) > 0 {
		w := heap.Pop(&c.waiters).(*waiter)
		w.granted = true
		c.inflight.Add(1)
		close(w.ready)
		return
	}
	c.free++
}

// InFlight returns the number of currently admitted jobs.
func (c *Controller) InFlight() int64 { return c.inflight.Load() }

// Queued returns the number of submissions waiting for a slot.
func (c *Controller) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type waiter struct {
	priority int
	seq      uint64
	fifo     bool
	index    int
	granted  bool
	ready    chan struct{}
}

// waiterQueue is a heap ordered FIFO by default, or by descending
// priority with arrival order breaking ties.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].fifo || q[i].priority == q[j].priority {
		return q[i].seq < q[j].seq
	}
	return q[i].priority > q[j].priority
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}
