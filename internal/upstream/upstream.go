// Package upstream implements the source adapter boundary: it fetches
// raw records for feed keys from an upstream feeder gateway over HTTP
// and classifies failures into the engine's transient/permanent
// taxonomy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/semaphore"

	"github.com/leonardcser/cache-feeder/internal/feed"
)

const userAgent = "cache-feeder/0.1"

// Client fetches records from a feeder gateway. It is safe for
// concurrent use: every Fetch works on a clone of the base collector,
// and a weighted semaphore bounds concurrent upstream connections.
type Client struct {
	base    *colly.Collector
	baseURL string
	sem     *semaphore.Weighted
	timeout time.Duration
	log     logr.Logger
}

type Options struct {
	// RequestTimeout bounds a single fetch attempt. Defaults to 20s.
	RequestTimeout time.Duration
	// MaxParallel bounds concurrent upstream connections. Defaults
	// to 8.
	MaxParallel int64
	Logger      logr.Logger
}

// New builds a Client for the gateway at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("upstream: invalid base URL %q", baseURL)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(userAgent),
	)
	c.SetRequestTimeout(opts.RequestTimeout)
	return &Client{
		base:    c,
		baseURL: u.String(),
		sem:     semaphore.NewWeighted(opts.MaxParallel),
		timeout: opts.RequestTimeout,
		log:     opts.Logger,
	}, nil
}

// Fetch retrieves the raw record for key. Errors are classified:
// 404 and undecipherable keys are permanent, rate limiting, 5xx and
// transport failures are transient.
func (c *Client) Fetch(ctx context.Context, key feed.Key) (feed.RawRecord, error) {
	target, err := c.endpoint(key)
	if err != nil {
		return feed.RawRecord{}, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return feed.RawRecord{}, feed.Fail(feed.TransientUpstream, key, err)
	}
	defer c.sem.Release(1)

	// Clone shares the base configuration but no callbacks, so
	// concurrent fetches cannot observe each other's responses.
	cc := c.base.Clone()
	cc.Context = ctx

	var body []byte
	var status int
	var transportErr error
	cc.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	cc.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		transportErr = err
	})

	start := time.Now()
	if err := cc.Visit(target); err != nil && transportErr == nil {
		transportErr = err
	}
	if ctx.Err() != nil {
		return feed.RawRecord{}, feed.Fail(feed.TransientUpstream, key, ctx.Err())
	}

	if transportErr != nil || status != 200 {
		return feed.RawRecord{}, c.classify(key, status, transportErr)
	}
	if len(body) == 0 {
		return feed.RawRecord{}, feed.Fail(feed.PermanentUpstream, key, feed.ErrMalformed)
	}
	c.log.V(1).Info("fetched", "key", key, "bytes", len(body), "elapsed", time.Since(start))
	return feed.RawRecord{Body: body, FetchedAt: time.Now()}, nil
}

// endpoint maps a key to its gateway URL.
func (c *Client) endpoint(key feed.Key) (string, error) {
	ks, ident, ok := key.Split()
	if !ok {
		return "", feed.Fail(feed.PermanentUpstream, key, fmt.Errorf("unroutable key"))
	}
	switch ks {
	case feed.KeyspaceBlock:
		return c.baseURL + "/feeder_gateway/get_block?blockNumber=" + url.QueryEscape(ident), nil
	case feed.KeyspaceState:
		return c.baseURL + "/feeder_gateway/get_state_update?blockNumber=" + url.QueryEscape(ident), nil
	case feed.KeyspaceClass:
		return c.baseURL + "/feeder_gateway/get_class_by_hash?classHash=" + url.QueryEscape(ident), nil
	default:
		return "", feed.Fail(feed.PermanentUpstream, key, fmt.Errorf("unknown keyspace %q", ks))
	}
}

func (c *Client) classify(key feed.Key, status int, err error) error {
	switch {
	case status == 404:
		return feed.Fail(feed.PermanentUpstream, key, feed.ErrNotFound)
	case status == 429:
		c.log.V(1).Info("rate limited by upstream", "key", key)
		return feed.Fail(feed.TransientUpstream, key, errors.New("upstream rate limited (429)"))
	case status >= 500, status == 408, status == 0:
		if err == nil {
			err = fmt.Errorf("upstream status %d", status)
		}
		return feed.Fail(feed.TransientUpstream, key, err)
	default:
		if err == nil {
			err = fmt.Errorf("upstream status %d", status)
		}
		return feed.Fail(feed.PermanentUpstream, key, err)
	}
}
