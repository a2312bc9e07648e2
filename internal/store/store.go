// Package store implements the cache store boundary on bbolt: a
// persistent byte store with per-key freshness tokens, conditional
// (compare-and-write) commits, TTL semantics and sync watermarks.
package store

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/leonardcser/cache-feeder/internal/feed"
)

// TokenStore is the contract the cache writer requires from a backend.
// Implementations must be safe for concurrent use by multiple
// goroutines. CompareWrite must be atomic: either the whole entry is
// committed under the new token or nothing changes.
type TokenStore interface {
	// ReadToken returns the committed token for key, or ok=false when
	// the key is absent.
	ReadToken(key feed.Key) (tok feed.Token, ok bool, err error)
	// CompareWrite commits entry iff the currently committed token
	// equals expected (feed.Token(0) meaning "absent"). It returns
	// feed.ErrConflict when the comparison fails.
	CompareWrite(key feed.Key, entry *feed.Entry, expected feed.Token) error
}

var (
	ErrNotFound = errors.New("store: not found")
	ErrExpired  = errors.New("store: expired")
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
)

// Store is a bbolt-backed TokenStore. Values are laid out as a fixed
// 16-byte header (big endian token, big endian unix expiry) followed by
// the gzip-compressed payload, so a half-written entry can never be
// observed: bbolt transactions commit the header and payload together.
type Store struct {
	db         *bolt.DB
	defaultTTL time.Duration
}

type Options struct {
	// DefaultTTL is used when an entry carries no TTL of its own. Zero
	// means entries never expire.
	DefaultTTL time.Duration
}

// Open initializes or opens a Store at the given path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, defaultTTL: opts.DefaultTTL}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReadToken returns the committed freshness token for key. Expired
// entries still report their token: expiry governs readers, not write
// ordering.
func (s *Store) ReadToken(key feed.Key) (feed.Token, bool, error) {
	var tok feed.Token
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		tok = feed.Token(binary.BigEndian.Uint64(v[:8]))
		return nil
	})
	if err != nil {
		return 0, false, feed.Fail(feed.StoreUnavailable, key, err)
	}
	return tok, ok, nil
}

// CompareWrite commits entry iff the committed token for key equals
// expected. The read and the write happen in one Update transaction.
func (s *Store) CompareWrite(key feed.Key, entry *feed.Entry, expected feed.Token) error {
	buf, err := s.encode(entry)
	if err != nil {
		return feed.Fail(feed.StoreUnavailable, key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var current feed.Token
		if v := b.Get([]byte(key)); v != nil {
			current = feed.Token(binary.BigEndian.Uint64(v[:8]))
		}
		if current != expected {
			return feed.ErrConflict
		}
		return b.Put([]byte(key), buf)
	})
	if errors.Is(err, feed.ErrConflict) {
		return err
	}
	if err != nil {
		return feed.Fail(feed.StoreUnavailable, key, err)
	}
	return nil
}

// Get returns the decompressed payload and token for key if present
// and not expired.
func (s *Store) Get(key feed.Key) (*feed.Entry, error) {
	var raw []byte
	var tok feed.Token
	var expiresAt int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		tok = feed.Token(binary.BigEndian.Uint64(v[:8]))
		expiresAt = int64(binary.BigEndian.Uint64(v[8:16]))
		raw = append([]byte(nil), v[16:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiresAt > 0 && time.Now().Unix() > expiresAt {
		return nil, ErrExpired
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	return &feed.Entry{Payload: payload, Token: tok}, nil
}

// Has reports whether a (possibly expired) entry exists for key. Used
// to skip refetching dependents that were already committed.
func (s *Store) Has(key feed.Key) (bool, error) {
	_, ok, err := s.ReadToken(key)
	return ok, err
}

// Watermark returns the highest contiguously committed ordinal for an
// ordinal keyspace, or ok=false when nothing was recorded yet.
func (s *Store) Watermark(ks feed.Keyspace) (uint64, bool, error) {
	var n uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(watermarkKey(ks))
		if v == nil {
			return nil
		}
		ok = true
		n = binary.BigEndian.Uint64(v)
		return nil
	})
	return n, ok, err
}

// SetWatermark records the highest contiguously committed ordinal for
// ks. Regressions are ignored so concurrent out-of-order completions
// cannot move the watermark backwards.
func (s *Store) SetWatermark(ks feed.Keyspace, n uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		k := watermarkKey(ks)
		if v := b.Get(k); v != nil && binary.BigEndian.Uint64(v) >= n {
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		return b.Put(k, buf[:])
	})
}

func watermarkKey(ks feed.Keyspace) []byte {
	return []byte("watermark_" + string(ks))
}

// encode builds the on-disk layout: token || expiry || gzip(payload).
func (s *Store) encode(entry *feed.Entry) ([]byte, error) {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	var body bytes.Buffer
	body.Grow(16 + len(entry.Payload)/2)
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(entry.Token))
	binary.BigEndian.PutUint64(hdr[8:], uint64(expiresAt))
	body.Write(hdr[:])
	zw := gzip.NewWriter(&body)
	if _, err := zw.Write(entry.Payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}
