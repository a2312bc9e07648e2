package feeder

import (
	"time"

	"github.com/leonardcser/cache-feeder/internal/feed"
)

// jobState follows one job through its lifecycle. Transitions:
// pending -> fetching -> {succeeded, failed}, with fetching -> pending
// on a transient failure that still has retry budget.
type jobState string

const (
	statePending   jobState = "pending"
	stateFetching  jobState = "fetching"
	stateSucceeded jobState = "succeeded"
	stateFailed    jobState = "failed"
)

// job is the orchestrator-owned record of one feed request. It lives
// from admission until the outcome is published; nothing outside the
// orchestrator retains a reference.
type job struct {
	key         feed.Key
	priority    int
	requestedAt time.Time
	attempts    int
	state       jobState
}

func newJob(key feed.Key, priority int) *job {
	return &job{
		key:         key,
		priority:    priority,
		requestedAt: time.Now(),
		state:       statePending,
	}
}
