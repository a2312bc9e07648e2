// Package feed defines the data model shared by the feeding engine:
// keys, raw upstream records, cache entries with freshness tokens, and
// per-key terminal outcomes.
package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key uniquely names a cacheable item. Keys are opaque to the engine
// itself; the upstream adapter and the transform stage understand the
// "<keyspace>_<ident>" layout used by the feeder gateway.
type Key string

// Keyspace groups keys that share an upstream endpoint and, for ordinal
// keyspaces, a sync watermark.
type Keyspace string

const (
	KeyspaceBlock Keyspace = "block"
	KeyspaceState Keyspace = "state"
	KeyspaceClass Keyspace = "class"
)

// OrdinalKey builds the key for the n-th item of an ordinal keyspace,
// e.g. OrdinalKey(KeyspaceBlock, 42) == "block_42".
func OrdinalKey(ks Keyspace, n uint64) Key {
	return Key(string(ks) + "_" + strconv.FormatUint(n, 10))
}

// ClassKey builds the key for a class definition addressed by hash.
func ClassKey(hash string) Key {
	return Key(string(KeyspaceClass) + "_" + hash)
}

// Split breaks a key into its keyspace and identifier. The second
// return is the raw identifier (ordinal or hash); ok is false when the
// key does not follow the "<keyspace>_<ident>" layout.
func (k Key) Split() (ks Keyspace, ident string, ok bool) {
	i := strings.IndexByte(string(k), '_')
	if i <= 0 || i == len(k)-1 {
		return "", "", false
	}
	return Keyspace(k[:i]), string(k[i+1:]), true
}

// Ordinal returns the numeric identifier of a key in an ordinal
// keyspace (block or state). ok is false for class keys and malformed
// keys.
func (k Key) Ordinal() (uint64, bool) {
	ks, ident, ok := k.Split()
	if !ok || (ks != KeyspaceBlock && ks != KeyspaceState) {
		return 0, false
	}
	n, err := strconv.ParseUint(ident, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Token orders writes for a key. A larger token is strictly fresher; an
// equal token denotes the same logical version, for which a rewrite is
// idempotent. Zero is reserved for "absent".
type Token uint64

// TimeToken derives a token from a fetch timestamp, for records that
// carry no version of their own.
func TimeToken(t time.Time) Token { return Token(t.UnixNano()) }

// RawRecord is the payload returned by the upstream source for a key.
// It is ephemeral: the transform stage consumes it and nothing else
// retains a reference.
type RawRecord struct {
	Body      []byte
	FetchedAt time.Time
}

// Entry is a transformed value plus freshness metadata, ready to be
// handed to the cache store. The engine holds no copy after a
// successful write.
type Entry struct {
	Payload []byte
	Token   Token
	TTL     time.Duration
}

// Outcome is the terminal result of one feed job, delivered to the
// original requester and to every follower that joined the in-flight
// fetch.
type Outcome struct {
	Key Key
	// Token is the committed version on success, or the already
	// committed version when the write was superseded by fresher data.
	Token Token
	Err   error
}

// Success reports whether the job reached a terminal success.
func (o Outcome) Success() bool { return o.Err == nil }

func (o Outcome) String() string {
	if o.Err == nil {
		return fmt.Sprintf("%s: committed v%d", o.Key, o.Token)
	}
	return fmt.Sprintf("%s: %v", o.Key, o.Err)
}
