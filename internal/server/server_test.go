package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/feeder"
	"github.com/leonardcser/cache-feeder/internal/retry"
	"github.com/leonardcser/cache-feeder/internal/server"
	"github.com/leonardcser/cache-feeder/internal/store"
	"github.com/leonardcser/cache-feeder/internal/writer"
)

type scriptedSource struct{}

func (scriptedSource) Fetch(ctx context.Context, key feed.Key) (feed.RawRecord, error) {
	if key == "block_404" {
		return feed.RawRecord{}, feed.Fail(feed.PermanentUpstream, key, feed.ErrNotFound)
	}
	n, _ := key.Ordinal()
	return feed.RawRecord{
		Body:      fmt.Appendf(nil, `{"block_number": %d}`, n),
		FetchedAt: time.Now(),
	}, nil
}

// startServer brings up the whole stack on an ephemeral port and
// returns a client pointed at it plus the raw address.
func startServer(t *testing.T) (*server.Client, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "feeder.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := feeder.Config{
		Retry:        retry.Policy{Base: 2 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 3},
		FetchTimeout: time.Second,
		JobTimeout:   5 * time.Second,
	}
	eng := feeder.New(cfg, scriptedSource{}, writer.New(st, logr.Discard()), st, logr.Discard())
	srv := server.New("127.0.0.1:0", eng, st, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = eng.Run(ctx) }()
	go func() { _ = srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	addr := srv.Addr().String()
	return server.NewClient(addr), addr
}

func TestFeedGetStatusRoundTrip(t *testing.T) {
	c, _ := startServer(t)

	// Fed in order so the watermark can follow each commit.
	for i, key := range []string{"block_0", "block_1"} {
		outs, err := c.Feed([]string{key}, 0)
		require.NoError(t, err)
		require.Len(t, outs, 1)
		assert.True(t, outs[0].OK)
		assert.EqualValues(t, i+1, outs[0].Token)
	}

	value, token, err := c.Get("block_0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"block_number": 0}`, string(value))
	assert.EqualValues(t, 1, token)

	_, _, err = c.Get("block_5")
	require.EqualError(t, err, "store: not found")

	status, err := c.Status()
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Watermarks["block"])
	assert.Zero(t, status.Engine.InFlight)
}

func TestFeedReportsPerKeyFailures(t *testing.T) {
	c, _ := startServer(t)

	outs, err := c.Feed([]string{"block_0", "block_404"}, 0)
	require.NoError(t, err)
	require.Len(t, outs, 2)

	assert.True(t, outs[0].OK)
	assert.False(t, outs[1].OK)
	assert.Equal(t, string(feed.PermanentUpstream), outs[1].Kind)
	assert.Contains(t, outs[1].Error, "not found")
}

func TestFeedWithoutKeysIsAnError(t *testing.T) {
	c, _ := startServer(t)

	_, err := c.Feed(nil, 0)
	require.EqualError(t, err, "feed: no keys")
}

func TestUnknownOp(t *testing.T) {
	_, addr := startServer(t)

	// The client only speaks known ops, so poke the socket directly.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(map[string]string{"op": "explode"}))
	var resp server.Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown op", resp.Error)
}

func TestConnectionHandlesSequentialRequests(t *testing.T) {
	_, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	for range 3 {
		require.NoError(t, enc.Encode(server.Request{Op: "status"}))
		var resp server.Response
		require.NoError(t, dec.Decode(&resp))
		assert.True(t, resp.OK)
	}
}

func TestShutdownClosesListener(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "feeder.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := feeder.New(feeder.Config{}, scriptedSource{}, writer.New(st, logr.Discard()), st, logr.Discard())
	srv := server.New("127.0.0.1:0", eng, st, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
