package server

// JSON line protocol for the feeder's TCP front end. One request, one
// response, using json.Encoder/Decoder per connection; a connection
// may carry any number of request/response pairs.

import "github.com/leonardcser/cache-feeder/internal/feeder"

type Request struct {
	Op string `json:"op"` // "feed" | "get" | "status"
	// Keys to feed. Outcomes are reported per key; one key failing
	// does not affect the others.
	Keys     []string `json:"keys,omitempty"`
	Priority int      `json:"priority,omitempty"`
	// Key to read, for "get".
	Key string `json:"key,omitempty"`
}

type KeyOutcome struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	Token uint64 `json:"token,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type Status struct {
	Watermarks map[string]uint64 `json:"watermarks"`
	Engine     feeder.Stats      `json:"engine"`
}

type Response struct {
	OK       bool         `json:"ok"`
	Outcomes []KeyOutcome `json:"outcomes,omitempty"`
	Value    []byte       `json:"value,omitempty"`
	Token    uint64       `json:"token,omitempty"`
	Status   *Status      `json:"status,omitempty"`
	Error    string       `json:"error,omitempty"`
}
