package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/upstream"
)

func newClient(t *testing.T, handler http.Handler) *upstream.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := upstream.New(srv.URL, upstream.Options{
		RequestTimeout: 2 * time.Second,
		Logger:         logr.Discard(),
	})
	require.NoError(t, err)
	return c
}

func TestRejectsInvalidBaseURL(t *testing.T) {
	for _, bad := range []string{"", "not a url", "ftp://example.com", "alpha-mainnet.starknet.io"} {
		_, err := upstream.New(bad, upstream.Options{})
		assert.Error(t, err, "base URL %q", bad)
	}
}

func TestRoutesKeysToGatewayEndpoints(t *testing.T) {
	var gotPath, gotQuery string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"block_number": 12}`))
	}))

	cases := []struct {
		key   feed.Key
		path  string
		query string
	}{
		{"block_12", "/feeder_gateway/get_block", "blockNumber=12"},
		{"state_12", "/feeder_gateway/get_state_update", "blockNumber=12"},
		{"class_0xbeef", "/feeder_gateway/get_class_by_hash", "classHash=0xbeef"},
	}
	for _, tc := range cases {
		rec, err := c.Fetch(context.Background(), tc.key)
		require.NoError(t, err, "key %s", tc.key)
		assert.Equal(t, tc.path, gotPath)
		assert.Equal(t, tc.query, gotQuery)
		assert.NotEmpty(t, rec.Body)
		assert.WithinDuration(t, time.Now(), rec.FetchedAt, time.Minute)
	}
}

func TestUnroutableKeyIsPermanent(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	for _, bad := range []feed.Key{"nokeyspace", "txn_9"} {
		_, err := c.Fetch(context.Background(), bad)
		require.Error(t, err)
		assert.Equal(t, feed.PermanentUpstream, feed.KindOf(err), "key %s", bad)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   feed.FailureKind
	}{
		{"not found is permanent", http.StatusNotFound, feed.PermanentUpstream},
		{"rate limiting is transient", http.StatusTooManyRequests, feed.TransientUpstream},
		{"server errors are transient", http.StatusInternalServerError, feed.TransientUpstream},
		{"bad gateway is transient", http.StatusBadGateway, feed.TransientUpstream},
		{"request timeout is transient", http.StatusRequestTimeout, feed.TransientUpstream},
		{"client errors are permanent", http.StatusBadRequest, feed.PermanentUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.Fetch(context.Background(), "block_1")
			require.Error(t, err)
			assert.Equal(t, tc.kind, feed.KindOf(err))
			assert.Equal(t, tc.kind.Retryable(), feed.Retryable(err))
		})
	}
}

func TestNotFoundCarriesSentinel(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	_, err := c.Fetch(context.Background(), "block_600001")
	require.ErrorIs(t, err, feed.ErrNotFound)
}

func TestEmptyBodyIsMalformed(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	_, err := c.Fetch(context.Background(), "block_1")
	require.ErrorIs(t, err, feed.ErrMalformed)
	assert.Equal(t, feed.PermanentUpstream, feed.KindOf(err))
}

func TestUnreachableHostIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := upstream.New(addr, upstream.Options{RequestTimeout: time.Second, Logger: logr.Discard()})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "block_1")
	require.Error(t, err)
	assert.Equal(t, feed.TransientUpstream, feed.KindOf(err))
}

func TestCancelledContextIsTransient(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "block_1")
	require.Error(t, err)
	assert.Equal(t, feed.TransientUpstream, feed.KindOf(err))
}
