package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler is a deadline-ordered timer: callbacks are kept in a
// min-heap and fired by a single goroutine, keeping the number of
// timer goroutines constant no matter how many jobs sit in backoff.
type Scheduler struct {
	mu    sync.Mutex
	items timerHeap
	seq   uint64
	wake  chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Run fires due callbacks until ctx is cancelled. Callbacks run on the
// scheduler goroutine and must not block; pending callbacks are
// dropped on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		now := time.Now()
		for len(s.items) > 0 && !s.items[0].at.After(now) {
			it := heap.Pop(&s.items).(*timerItem)
			s.mu.Unlock()
			it.fn()
			s.mu.Lock()
			now = time.Now()
		}
		if len(s.items) > 0 {
			wait = s.items[0].at.Sub(now)
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// Schedule registers fn to run at or shortly after the given time.
func (s *Scheduler) Schedule(at time.Time, fn func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.items, &timerItem{at: at, seq: s.seq, fn: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Sleep blocks for d using the shared timer heap. It returns ctx.Err()
// if the context is cancelled first.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	s.Schedule(time.Now().Add(d), func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of scheduled, not yet fired callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type timerItem struct {
	at  time.Time
	seq uint64
	fn  func()
}

// timerHeap orders by deadline, then by insertion order for stability.
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*timerItem)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
