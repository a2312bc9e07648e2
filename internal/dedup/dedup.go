// Package dedup ensures at most one in-flight fetch per key. The
// first caller to join a key becomes its leader and does the real
// work; anyone joining before the leader publishes becomes a follower
// and receives the leader's outcome without a second fetch, in the
// order they joined.
//
// The same idea as golang.org/x/sync/singleflight, with two
// differences the engine needs: followers get an explicit channel so
// they can stop waiting on their own context, and a leader that
// retries keeps its registration instead of re-joining.
package dedup

import (
	"sync"

	"github.com/leonardcser/cache-feeder/internal/feed"
)

// Group tracks in-flight keys. The zero value is not usable; call
// NewGroup. Safe for concurrent use.
type Group struct {
	mu       sync.Mutex
	inflight map[feed.Key]*flight
}

type flight struct {
	followers []chan feed.Outcome
}

func NewGroup() *Group {
	return &Group{inflight: make(map[feed.Key]*flight)}
}

// Join registers interest in key. When no fetch is in flight the
// caller becomes leader: it receives a Leadership and must eventually
// call Publish exactly once, however many retries happen in between.
// Otherwise the caller is a follower and receives a one-shot channel
// carrying the leader's outcome; abandoning the channel is safe.
func (g *Group) Join(key feed.Key) (*Leadership, <-chan feed.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.inflight[key]; ok {
		ch := make(chan feed.Outcome, 1)
		f.followers = append(f.followers, ch)
		return nil, ch
	}
	f := &flight{}
	g.inflight[key] = f
	return &Leadership{g: g, key: key, f: f}, nil
}

// InFlight returns the number of keys currently being processed.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Followers returns how many callers are waiting on key's leader.
func (g *Group) Followers(key feed.Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.inflight[key]; ok {
		return len(f.followers)
	}
	return 0
}

// Leadership is the leader's handle on an in-flight key.
type Leadership struct {
	g    *Group
	key  feed.Key
	f    *flight
	once sync.Once
}

// Publish delivers the terminal outcome: the in-flight entry is
// removed first, so a new request for the key starts a fresh fetch,
// then followers are released in join order. Publishing twice is a
// no-op.
func (l *Leadership) Publish(o feed.Outcome) {
	l.once.Do(func() {
		l.g.mu.Lock()
		delete(l.g.inflight, l.key)
		followers := l.f.followers
		l.f.followers = nil
		l.g.mu.Unlock()
		for _, ch := range followers {
			ch <- o
		}
	})
}
