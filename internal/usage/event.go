// Package usage persists inference events and aggregates them for the
// dashboard.
//
// DESIGN: The proxy records one immutable Event per completed (or failed)
// inference call. Events flow through a buffered channel into a single
// sqlite writer goroutine, so concurrent proxy connections never contend on
// the database. Aggregation is a pure read-side computation over Query
// results; two identical queries against an unchanged store return identical
// results.
package usage

import "time"

// Outcome classifies how an inference call ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// TokenCounts carries the token counters reported by an upstream. The
// counters are independently reported; Total >= Input+Output is not enforced.
type TokenCounts struct {
	Input     int64
	Output    int64
	Total     int64
	Cached    int64
	Reasoning int64
}

// Normalize fills Total from Input+Output when the upstream reported the
// parts but not the sum.
func (t TokenCounts) Normalize() TokenCounts {
	if t.Total == 0 && (t.Input > 0 || t.Output > 0) {
		t.Total = t.Input + t.Output
	}
	return t
}

// Event is one inference call. Immutable once written; corrections are new
// events, never in-place updates.
type Event struct {
	RequestID  string
	Timestamp  time.Time
	Method     string
	Path       string
	Provider   string
	Model      string
	AccountKey string
	StatusCode int
	Outcome    Outcome
	ErrorClass string
	DurationMS int64
	Tokens     TokenCounts
	// UsageJSON is the raw usage object from the upstream, kept for
	// later re-extraction when token key conventions change.
	UsageJSON string

	// flushMarker is a queue sentinel used by Store.Flush, never persisted.
	flushMarker chan struct{}
}

// IsError reports whether the event carries an error outcome.
func (e Event) IsError() bool {
	return e.Outcome == OutcomeError
}
