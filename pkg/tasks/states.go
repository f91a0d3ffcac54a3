// Package tasks runs queries and reports in the background: a Redis Streams
// broker, a lock-guarded worker pool and the per-entity lifecycle manager.
package tasks

// State is the lifecycle state of a background task as reported to callers.
type State string

const (
	StateNotScheduled State = "Not scheduled"
	StatePending      State = "PENDING"
	StateQueued       State = "QUEUED"
	StateStarted      State = "STARTED"
	StateSuccess      State = "SUCCESS"
	StateFailure      State = "FAILURE"
	StateCanceled     State = "CANCELED"
	StateRevoked      State = "REVOKED"
)

// Scheduled reports whether a task in state s may still start or is
// running, in which case a new run must not be queued.
func (s State) Scheduled() bool {
	return s == StateQueued || s == StateStarted
}

// Done reports whether s is terminal.
func (s State) Done() bool {
	switch s {
	case StateSuccess, StateFailure, StateCanceled, StateRevoked:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// Entity kinds.
const (
	KindQuery  = "query"
	KindReport = "report"
)
