// Package transform normalizes raw upstream records into cache
// entries. Transform is a pure function of its input: validation
// failures are terminal for the job, since they indicate malformed
// upstream data rather than a transient condition.
package transform

import (
	"fmt"

	"github.com/buger/jsonparser"

	"github.com/leonardcser/cache-feeder/internal/feed"
)

// Transform validates rec and produces the cache entry for key, plus
// any dependent keys referenced by the record (class definitions named
// by a state update). It holds no shared state.
func Transform(key feed.Key, rec feed.RawRecord) (*feed.Entry, []feed.Key, error) {
	if len(rec.Body) == 0 {
		return nil, nil, feed.Fail(feed.PermanentUpstream, key, feed.ErrMalformed)
	}
	// Gateway records are always JSON objects.
	if _, dt, _, err := jsonparser.Get(rec.Body); err != nil || dt != jsonparser.Object {
		return nil, nil, feed.Fail(feed.PermanentUpstream, key,
			fmt.Errorf("%w: not a JSON object", feed.ErrMalformed))
	}

	tok, err := token(key, rec)
	if err != nil {
		return nil, nil, err
	}

	ks, _, _ := key.Split()
	var deps []feed.Key
	if ks == feed.KeyspaceState {
		deps, err = classRefs(key, rec.Body)
		if err != nil {
			return nil, nil, err
		}
	}
	return &feed.Entry{Payload: rec.Body, Token: tok}, deps, nil
}

// token derives the freshness token. Records that declare a
// block_number are versioned by it; ordinal keys fall back to their
// own ordinal; class definitions are immutable, so their token is the
// fetch timestamp. Tokens are offset by one because zero means
// "absent".
func token(key feed.Key, rec feed.RawRecord) (feed.Token, error) {
	if n, err := jsonparser.GetInt(rec.Body, "block_number"); err == nil {
		if n < 0 {
			return 0, feed.Fail(feed.PermanentUpstream, key,
				fmt.Errorf("%w: negative block_number %d", feed.ErrMalformed, n))
		}
		return feed.Token(n) + 1, nil
	}
	if n, ok := key.Ordinal(); ok {
		return feed.Token(n) + 1, nil
	}
	return feed.TimeToken(rec.FetchedAt), nil
}

// classRefs collects the class hashes a state update refers to, from
// both deployed contracts and declared classes.
func classRefs(key feed.Key, body []byte) ([]feed.Key, error) {
	var deps []feed.Key
	seen := make(map[string]struct{})
	collect := func(path ...string) error {
		var inner error
		_, err := jsonparser.ArrayEach(body, func(value []byte, dt jsonparser.ValueType, _ int, _ error) {
			if inner != nil {
				return
			}
			hash, err := jsonparser.GetString(value, "class_hash")
			if err != nil {
				inner = fmt.Errorf("%w: entry without class_hash", feed.ErrMalformed)
				return
			}
			if _, dup := seen[hash]; !dup {
				seen[hash] = struct{}{}
				deps = append(deps, feed.ClassKey(hash))
			}
		}, path...)
		if inner != nil {
			return inner
		}
		// A state update without the array at all is acceptable.
		if err != nil && err != jsonparser.KeyPathNotFoundError {
			return fmt.Errorf("%w: %v", feed.ErrMalformed, err)
		}
		return nil
	}
	if err := collect("state_diff", "deployed_contracts"); err != nil {
		return nil, feed.Fail(feed.PermanentUpstream, key, err)
	}
	if err := collect("state_diff", "declared_classes"); err != nil {
		return nil, feed.Fail(feed.PermanentUpstream, key, err)
	}
	return deps, nil
}
