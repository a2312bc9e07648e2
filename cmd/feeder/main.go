// Command feeder runs the cache feeding daemon: it pulls blocks, state
// updates and class definitions from an upstream feeder gateway into a
// local bbolt cache and serves them back over a TCP front end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leonardcser/cache-feeder/internal/admission"
	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/feeder"
	"github.com/leonardcser/cache-feeder/internal/logging"
	"github.com/leonardcser/cache-feeder/internal/retry"
	"github.com/leonardcser/cache-feeder/internal/server"
	"github.com/leonardcser/cache-feeder/internal/store"
	"github.com/leonardcser/cache-feeder/internal/upstream"
	"github.com/leonardcser/cache-feeder/internal/writer"
)

var (
	addr          = flag.String("addr", envString("CACHE_FEEDER_ADDR", "127.0.0.1:3000"), "address the TCP front end binds to")
	dbPath        = flag.String("db-path", envString("CACHE_FEEDER_DB", "feeder.db"), "path of the bbolt cache database")
	upstreamURL   = flag.String("upstream-url", envString("CACHE_FEEDER_UPSTREAM", "https://alpha-mainnet.starknet.io"), "base URL of the upstream feeder gateway")
	maxToSync     = flag.Uint64("max-to-sync", envUint("CACHE_FEEDER_MAX_TO_SYNC", 600000), "highest block/state ordinal the sync drivers feed")
	noSync        = flag.Bool("no-sync", false, "disable the background block/state sync drivers")
	maxConcurrent = flag.Int("max-concurrent", 16, "maximum concurrently admitted feed jobs")
	maxQueue      = flag.Int("max-queue", 64, "maximum feed jobs waiting for admission")
	maxParallel   = flag.Int64("max-upstream", 8, "maximum concurrent upstream connections")
	retryBase     = flag.Duration("retry-base", 100*time.Millisecond, "base retry backoff delay")
	retryCap      = flag.Duration("retry-cap", time.Second, "retry backoff delay cap")
	maxAttempts   = flag.Int("max-attempts", 5, "fetch attempts per job before giving up")
	fetchTimeout  = flag.Duration("fetch-timeout", 20*time.Second, "timeout of a single fetch attempt")
	jobTimeout    = flag.Duration("job-timeout", 2*time.Minute, "overall timeout of a feed job across attempts")
	entryTTL      = flag.Duration("entry-ttl", 0, "TTL of cached entries (0 keeps them forever)")
	verbosity     = flag.Int("v", 0, "log verbosity")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "feeder:", err)
		os.Exit(1)
	}
}

func run() error {
	log := logging.New(*verbosity)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(*dbPath, store.Options{DefaultTTL: *entryTTL})
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("storage initialized", "path", *dbPath)
	for _, ks := range []feed.Keyspace{feed.KeyspaceBlock, feed.KeyspaceState} {
		if n, ok, err := st.Watermark(ks); err == nil && ok {
			log.Info("resuming", "keyspace", ks, "watermark", n)
		}
	}

	src, err := upstream.New(*upstreamURL, upstream.Options{
		RequestTimeout: *fetchTimeout,
		MaxParallel:    *maxParallel,
		Logger:         log.WithName("upstream"),
	})
	if err != nil {
		return err
	}
	log.Info("upstream configured", "url", *upstreamURL)

	eng := feeder.New(feeder.Config{
		Admission: admission.Config{MaxConcurrent: *maxConcurrent, MaxQueue: *maxQueue},
		Retry: retry.Policy{
			Base:        *retryBase,
			Cap:         *retryCap,
			MaxAttempts: *maxAttempts,
		},
		FetchTimeout: *fetchTimeout,
		JobTimeout:   *jobTimeout,
	}, src, writer.New(st, log.WithName("writer")), st, log.WithName("feeder"))

	srv := server.New(*addr, eng, st, log.WithName("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(eng.Run(gctx)) })
	g.Go(func() error { return srv.Serve(gctx) })
	if !*noSync {
		for _, ks := range []feed.Keyspace{feed.KeyspaceBlock, feed.KeyspaceState} {
			g.Go(func() error {
				last, err := eng.SyncRange(gctx, ks, 0, *maxToSync)
				log.Info("sync driver stopped", "keyspace", ks, "last", last)
				return ignoreCancel(err)
			})
		}
	}

	err = g.Wait()
	log.Info("shut down")
	return err
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envUint(name string, fallback uint64) uint64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
