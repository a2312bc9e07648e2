// Package feeder contains the feed orchestrator: it drives each feed
// job end to end through admission, deduplication, fetch, transform
// and the retry-wrapped cache write, and publishes one terminal
// outcome per key to the requester and every follower.
package feeder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/leonardcser/cache-feeder/internal/admission"
	"github.com/leonardcser/cache-feeder/internal/dedup"
	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/retry"
	"github.com/leonardcser/cache-feeder/internal/transform"
)

// Source is the upstream boundary the orchestrator fetches from.
type Source interface {
	Fetch(ctx context.Context, key feed.Key) (feed.RawRecord, error)
}

// CacheWriter commits entries under the freshness discipline.
// feed.ErrStale from Write means the entry was superseded; the
// orchestrator reports that as a no-op success.
type CacheWriter interface {
	Write(key feed.Key, entry *feed.Entry) (feed.Token, error)
}

// Catalog is the orchestrator's read-side view of the store: existence
// checks for dependent keys and sync watermarks.
type Catalog interface {
	Has(key feed.Key) (bool, error)
	Watermark(ks feed.Keyspace) (uint64, bool, error)
	SetWatermark(ks feed.Keyspace, n uint64) error
}

type Config struct {
	Admission admission.Config
	Retry     retry.Policy
	// StoreRetry governs re-attempts after cache store failures, which
	// back off independently of the upstream policy. Defaults to
	// retry.DefaultStorePolicy.
	StoreRetry retry.Policy
	// FetchTimeout bounds one fetch attempt. Defaults to 20s.
	FetchTimeout time.Duration
	// JobTimeout bounds a whole job across all attempts. Exceeding it
	// forces a terminal timeout failure regardless of remaining retry
	// budget. Defaults to 2m.
	JobTimeout time.Duration
	// HeadWait is how long a range sync pauses when it runs past the
	// data the upstream has produced so far. Defaults to 5s.
	HeadWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.StoreRetry == (retry.Policy{}) {
		c.StoreRetry = retry.DefaultStorePolicy()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.HeadWait <= 0 {
		c.HeadWait = 5 * time.Second
	}
	return c
}

// Feeder is the engine's top-level driver.
type Feeder struct {
	cfg    Config
	src    Source
	writer CacheWriter
	cat    Catalog
	adm    *admission.Controller
	group  *dedup.Group
	sched  *retry.Scheduler
	log    logr.Logger

	mu       sync.Mutex
	lifeCtx  context.Context
	draining bool
	deps     sync.WaitGroup
}

func New(cfg Config, src Source, w CacheWriter, cat Catalog, log logr.Logger) *Feeder {
	cfg = cfg.withDefaults()
	return &Feeder{
		cfg:     cfg,
		src:     src,
		writer:  w,
		cat:     cat,
		adm:     admission.New(cfg.Admission),
		group:   dedup.NewGroup(),
		sched:   retry.NewScheduler(),
		log:     log,
		lifeCtx: context.Background(),
	}
}

// Run owns the feeder's background machinery: the retry scheduler and
// the lifetime of dependent feeds spawned by state updates. It blocks
// until ctx is cancelled, then drains outstanding dependent feeds.
func (f *Feeder) Run(ctx context.Context) error {
	f.mu.Lock()
	f.lifeCtx = ctx
	f.draining = false
	f.mu.Unlock()
	err := f.sched.Run(ctx)
	// Flip draining under the same lock that guards dependent spawns,
	// so no new dependent can be added once the drain has begun.
	f.mu.Lock()
	f.draining = true
	f.mu.Unlock()
	f.deps.Wait()
	return err
}

// Stats reports engine gauges for the status endpoint.
type Stats struct {
	Admitted int64 `json:"admitted"`
	Queued   int   `json:"queued"`
	InFlight int   `json:"in_flight_keys"`
	Backoff  int   `json:"in_backoff"`
}

func (f *Feeder) Stats() Stats {
	return Stats{
		Admitted: f.adm.InFlight(),
		Queued:   f.adm.Queued(),
		InFlight: f.group.InFlight(),
		Backoff:  f.sched.Pending(),
	}
}

// Feed drives one key to a terminal outcome. It blocks until the key
// is committed, superseded, or has failed permanently; concurrent
// calls for the same key share a single fetch.
func (f *Feeder) Feed(ctx context.Context, key feed.Key, priority int) feed.Outcome {
	jctx := ctx
	if f.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, f.cfg.JobTimeout)
		defer cancel()
	}

	j := newJob(key, priority)
	ticket, decision, err := f.adm.Submit(jctx, priority)
	if err != nil {
		if errors.Is(err, admission.ErrOverloaded) {
			return feed.Outcome{Key: key, Err: feed.Fail(feed.Overloaded, key, err)}
		}
		// Cancelled or timed out while queued; the queue slot is
		// already gone.
		return feed.Outcome{Key: key, Err: feed.Fail(feed.Timeout, key, err)}
	}
	defer ticket.Release()
	f.log.V(1).Info("admitted", "key", key, "decision", decision.String())

	leader, followCh := f.group.Join(key)
	if leader == nil {
		select {
		case o := <-followCh:
			return o
		case <-jctx.Done():
			return feed.Outcome{Key: key, Err: feed.Fail(feed.Timeout, key, jctx.Err())}
		}
	}

	outcome := f.lead(jctx, j, leader)
	leader.Publish(outcome)
	return outcome
}

// lead runs the fetch/transform/write pipeline as the key's dedup
// leader. Retries stay inside this call, so the leader never
// re-registers.
func (f *Feeder) lead(ctx context.Context, j *job, leader *dedup.Leadership) feed.Outcome {
	state := f.cfg.Retry.NewState()
	storeState := f.cfg.StoreRetry.NewState()
	for {
		j.state = stateFetching
		j.attempts++
		rec, err := f.fetchOnce(ctx, j.key)

		if err == nil && ctx.Err() != nil {
			// The job deadline elapsed while the fetch was finishing.
			// The late result is discarded, never written.
			return f.fail(j, feed.Fail(feed.Timeout, j.key, ctx.Err()))
		}
		if err == nil {
			entry, deps, terr := transform.Transform(j.key, rec)
			if terr != nil {
				return f.fail(j, terr)
			}
			tok, werr := f.writer.Write(j.key, entry)
			switch {
			case werr == nil:
				f.afterCommit(j, tok, deps)
				j.state = stateSucceeded
				return feed.Outcome{Key: j.key, Token: tok}
			case errors.Is(werr, feed.ErrStale):
				// Fresher data already committed: a no-op success
				// carrying the committed token. Dependents may still
				// be missing, so they are enqueued anyway.
				f.enqueueDependents(deps)
				j.state = stateSucceeded
				return feed.Outcome{Key: j.key, Token: tok}
			default:
				err = werr
			}
		}

		// Cancellation beats retry accounting: an overall deadline is
		// terminal no matter how much budget remains.
		if ctx.Err() != nil {
			return f.fail(j, feed.Fail(feed.Timeout, j.key, ctx.Err()))
		}
		if !feed.Retryable(err) {
			return f.fail(j, err)
		}
		// Store outages back off on their own curve and budget; a slow
		// database should not eat into the upstream attempt count.
		s := state
		if feed.KindOf(err) == feed.StoreUnavailable {
			s = storeState
		}
		delay, ok := s.Fail()
		if !ok {
			return f.fail(j, feed.Fail(feed.Exhausted, j.key, err))
		}
		j.state = statePending
		f.log.V(1).Info("retrying", "key", j.key, "attempt", j.attempts, "delay", delay, "cause", err.Error())
		if serr := f.sched.Sleep(ctx, delay); serr != nil {
			return f.fail(j, feed.Fail(feed.Timeout, j.key, serr))
		}
	}
}

func (f *Feeder) fetchOnce(ctx context.Context, key feed.Key) (feed.RawRecord, error) {
	fctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()
	return f.src.Fetch(fctx, key)
}

func (f *Feeder) fail(j *job, err error) feed.Outcome {
	j.state = stateFailed
	f.log.Info("job failed", "key", j.key, "kind", string(feed.KindOf(err)), "attempts", j.attempts, "err", err.Error())
	return feed.Outcome{Key: j.key, Err: err}
}

// afterCommit advances the keyspace watermark when the commit is
// contiguous with it, and kicks off fetches for any referenced keys.
func (f *Feeder) afterCommit(j *job, tok feed.Token, deps []feed.Key) {
	f.log.Info("committed", "key", j.key, "token", tok, "attempts", j.attempts,
		"elapsed", time.Since(j.requestedAt))
	if n, ok := j.key.Ordinal(); ok {
		ks, _, _ := j.key.Split()
		f.advanceWatermark(ks, n)
	}
	f.enqueueDependents(deps)
}

func (f *Feeder) advanceWatermark(ks feed.Keyspace, n uint64) {
	w, ok, err := f.cat.Watermark(ks)
	if err != nil {
		f.log.Error(err, "reading watermark", "keyspace", ks)
		return
	}
	contiguous := (!ok && n == 0) || (ok && n == w+1)
	if !contiguous {
		return
	}
	if err := f.cat.SetWatermark(ks, n); err != nil {
		f.log.Error(err, "advancing watermark", "keyspace", ks, "ordinal", n)
	}
}

// enqueueDependents feeds referenced keys best-effort in the
// background. Keys that are already committed are skipped, so a
// re-fed state update does not refetch its classes.
func (f *Feeder) enqueueDependents(deps []feed.Key) {
	pending := deps[:0:0]
	for _, dep := range deps {
		if present, err := f.cat.Has(dep); err == nil && present {
			continue
		}
		pending = append(pending, dep)
	}
	if len(pending) == 0 {
		return
	}
	f.mu.Lock()
	if f.draining {
		// A commit landing during shutdown drops its dependents; they
		// will be picked up by the next sync run.
		f.mu.Unlock()
		return
	}
	ctx := f.lifeCtx
	f.deps.Add(len(pending))
	f.mu.Unlock()
	for _, dep := range pending {
		go func(key feed.Key) {
			defer f.deps.Done()
			if o := f.Feed(ctx, key, 0); o.Err != nil {
				f.log.Info("dependent feed failed", "key", key, "err", o.Err.Error())
			}
		}(dep)
	}
}

// FeedBatch feeds several keys concurrently and returns one outcome
// per key, in input order. Outcomes are independent: one key's failure
// neither stops nor poisons the others.
func (f *Feeder) FeedBatch(ctx context.Context, keys []feed.Key, priority int) []feed.Outcome {
	outs := make([]feed.Outcome, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			outs[i] = f.Feed(ctx, key, priority)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// SyncRange feeds the ordinal keys of ks from the stored watermark (or
// from, whichever is further) up to and including to. When the range
// runs past what the upstream has produced, it waits and retries the
// same ordinal until ctx is cancelled. It returns the last ordinal
// committed by this call.
func (f *Feeder) SyncRange(ctx context.Context, ks feed.Keyspace, from, to uint64) (uint64, error) {
	start := from
	if w, ok, err := f.cat.Watermark(ks); err != nil {
		return 0, err
	} else if ok && w+1 > start {
		start = w + 1
	}
	if start > to {
		f.log.Info("nothing to sync", "keyspace", ks, "watermark", start-1)
		return start - 1, nil
	}
	f.log.Info("sync started", "keyspace", ks, "from", start, "to", to)

	// Position just before start; clamped so a cancellation before the
	// first commit of ordinal 0 does not report an underflowed ordinal.
	last := start
	if start > 0 {
		last = start - 1
	}
	for n := start; n <= to; {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		o := f.Feed(ctx, feed.OrdinalKey(ks, n), 0)
		if o.Err == nil {
			last = n
			n++
			continue
		}
		// Not produced yet, upstream flaky, or the engine is
		// saturated: hold position and retry, as long as the caller
		// keeps the sync alive.
		f.log.V(1).Info("sync waiting", "keyspace", ks, "ordinal", n, "err", o.Err.Error())
		if err := f.sched.Sleep(ctx, f.cfg.HeadWait); err != nil {
			return last, err
		}
	}
	f.log.Info("sync finished", "keyspace", ks, "from", start, "to", to)
	return last, nil
}
