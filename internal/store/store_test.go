package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/cache-feeder/internal/feed"
	"github.com/leonardcser/cache-feeder/internal/store"
)

func openStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feeder.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteThenReadBack(t *testing.T) {
	s := openStore(t, store.Options{})
	payload := []byte(`{"block_number": 0, "transactions": []}`)

	err := s.CompareWrite("block_0", &feed.Entry{Payload: payload, Token: 1}, 0)
	require.NoError(t, err)

	tok, ok, err := s.ReadToken("block_0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, tok)

	entry, err := s.Get("block_0")
	require.NoError(t, err)
	assert.Equal(t, payload, entry.Payload)
	assert.EqualValues(t, 1, entry.Token)
}

func TestReadTokenAbsent(t *testing.T) {
	s := openStore(t, store.Options{})
	_, ok, err := s.ReadToken("block_404")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get("block_404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompareWriteConflicts(t *testing.T) {
	s := openStore(t, store.Options{})
	require.NoError(t, s.CompareWrite("state_1", &feed.Entry{Payload: []byte(`{}`), Token: 2}, 0))

	// Wrong expectation: both "absent" and a mismatching token.
	err := s.CompareWrite("state_1", &feed.Entry{Payload: []byte(`{}`), Token: 3}, 0)
	assert.ErrorIs(t, err, feed.ErrConflict)
	err = s.CompareWrite("state_1", &feed.Entry{Payload: []byte(`{}`), Token: 3}, 9)
	assert.ErrorIs(t, err, feed.ErrConflict)

	// Matching expectation commits the fresher entry.
	require.NoError(t, s.CompareWrite("state_1", &feed.Entry{Payload: []byte(`{"v":2}`), Token: 3}, 2))
	entry, err := s.Get("state_1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, entry.Token)
	assert.JSONEq(t, `{"v":2}`, string(entry.Payload))
}

func TestExpiredEntryKeepsToken(t *testing.T) {
	s := openStore(t, store.Options{})
	entry := &feed.Entry{Payload: []byte(`{}`), Token: 5, TTL: time.Nanosecond}
	require.NoError(t, s.CompareWrite("class_0xe", entry, 0))

	// Unix-second expiry granularity: wait out the current second.
	require.Eventually(t, func() bool {
		_, err := s.Get("class_0xe")
		return err == store.ErrExpired
	}, 3*time.Second, 50*time.Millisecond)

	// Expiry governs readers, not write ordering.
	tok, ok, err := s.ReadToken("class_0xe")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, tok)
}

func TestHas(t *testing.T) {
	s := openStore(t, store.Options{})
	ok, err := s.Has("class_0x1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CompareWrite("class_0x1", &feed.Entry{Payload: []byte(`{}`), Token: 1}, 0))
	ok, err = s.Has("class_0x1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatermarks(t *testing.T) {
	s := openStore(t, store.Options{})

	_, ok, err := s.Watermark(feed.KeyspaceBlock)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetWatermark(feed.KeyspaceBlock, 10))
	n, ok, err := s.Watermark(feed.KeyspaceBlock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 10, n)

	// Regressions are ignored.
	require.NoError(t, s.SetWatermark(feed.KeyspaceBlock, 4))
	n, _, _ = s.Watermark(feed.KeyspaceBlock)
	assert.EqualValues(t, 10, n)

	// Keyspaces are independent.
	_, ok, err = s.Watermark(feed.KeyspaceState)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.db")
	s, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	require.NoError(t, s.CompareWrite("block_3", &feed.Entry{Payload: []byte(`{"n":3}`), Token: 4}, 0))
	require.NoError(t, s.SetWatermark(feed.KeyspaceBlock, 3))
	require.NoError(t, s.Close())

	s2, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	defer s2.Close()
	entry, err := s2.Get("block_3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(entry.Payload))
	n, ok, err := s2.Watermark(feed.KeyspaceBlock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, n)
}
