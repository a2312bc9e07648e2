// Package writer commits transformed entries to the cache store under
// the freshness discipline: a write only lands if it is strictly newer
// than what is already committed for the key. Writes for one key are
// serialized through a sharded lock; writes across keys run in
// parallel.
package writer

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/go-logr/logr"

	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/store"
)

const lockShards = 64

// casRetries bounds the conditional-write loop. Under the per-key lock
// a conflict can only come from another process sharing the store.
const casRetries = 3

type Writer struct {
	store store.TokenStore
	locks [lockShards]sync.Mutex
	log   logr.Logger
}

func New(ts store.TokenStore, log logr.Logger) *Writer {
	return &Writer{store: ts, log: log}
}

// Write commits entry for key. On success it returns the committed
// token. When an equal or fresher entry is already committed it
// returns the existing token with feed.ErrStale; callers treat that as
// a no-op success. Store failures come back classified as
// feed.StoreUnavailable and are retryable.
func (w *Writer) Write(key feed.Key, entry *feed.Entry) (feed.Token, error) {
	lk := &w.locks[shard(key)]
	lk.Lock()
	defer lk.Unlock()

	for range casRetries {
		current, ok, err := w.store.ReadToken(key)
		if err != nil {
			return 0, err
		}
		if ok && current >= entry.Token {
			w.log.V(1).Info("write superseded", "key", key, "committed", current, "incoming", entry.Token)
			return current, feed.ErrStale
		}
		var expected feed.Token
		if ok {
			expected = current
		}
		err = w.store.CompareWrite(key, entry, expected)
		if err == nil {
			return entry.Token, nil
		}
		if errors.Is(err, feed.ErrConflict) {
			// Another writer on the same store got in between the read
			// and the write; re-read and re-compare.
			continue
		}
		return 0, err
	}
	return 0, feed.Fail(feed.StoreUnavailable, key, errors.New("conditional write kept conflicting"))
}

func shard(key feed.Key) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
