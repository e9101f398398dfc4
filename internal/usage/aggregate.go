package usage

import (
	"sort"
	"strings"
	"time"

	"github.com/vibeproxy/thinking-gateway/internal/config"
)

// Range is a dashboard query window ending at query time.
type Range string

const (
	Range24h Range = "24h"
	Range7d  Range = "7d"
	Range30d Range = "30d"
	RangeAll Range = "all"
)

// ParseRange accepts the range aliases the UI sends. Unknown input falls
// back to the 7-day window.
func ParseRange(input string) Range {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "24h", "day", "1d":
		return Range24h
	case "7d", "week", "":
		return Range7d
	case "30d", "month":
		return Range30d
	case "all", "all-time", "all_time":
		return RangeAll
	default:
		return Range7d
	}
}

// Start returns the inclusive lower bound of the range, or the zero time
// for RangeAll.
func (r Range) Start(now time.Time) time.Time {
	switch r {
	case Range24h:
		return now.Add(-24 * time.Hour)
	case Range7d:
		return now.Add(-7 * 24 * time.Hour)
	case Range30d:
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

// bucketSize returns the bucket duration and label layout. Granularity
// scales with the range to keep the point count chart-renderable.
func (r Range) bucketSize() (time.Duration, string) {
	switch r {
	case Range24h:
		return time.Hour, "2006-01-02 15:00"
	case Range7d, Range30d:
		return 24 * time.Hour, "2006-01-02"
	default:
		// Months are irregular; RangeAll buckets are derived by calendar
		// month, the duration here is only a floor for loop safety.
		return 24 * time.Hour, "2006-01"
	}
}

// Summary aggregates a set of events.
type Summary struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalTokens     int64   `json:"total_tokens"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CachedTokens    int64   `json:"cached_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	ErrorCount      int64   `json:"error_count"`
	ErrorRate       float64 `json:"error_rate"`
}

// TimeseriesPoint is one time bucket of the summary counters.
type TimeseriesPoint struct {
	Bucket          string `json:"bucket"`
	Requests        int64  `json:"requests"`
	TotalTokens     int64  `json:"total_tokens"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	CachedTokens    int64  `json:"cached_tokens"`
	ReasoningTokens int64  `json:"reasoning_tokens"`
	ErrorCount      int64  `json:"error_count"`
}

// BreakdownRow aggregates events keyed by (provider, model, account).
type BreakdownRow struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	AccountKey      string  `json:"account_key"`
	Requests        int64   `json:"requests"`
	TotalTokens     int64   `json:"total_tokens"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CachedTokens    int64   `json:"cached_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	ErrorCount      int64   `json:"error_count"`
	LastSeen        *string `json:"last_seen"`
}

// Dashboard is the full aggregate payload for one range.
type Dashboard struct {
	Range      string            `json:"range"`
	Summary    Summary           `json:"summary"`
	Timeseries []TimeseriesPoint `json:"timeseries"`
	Breakdown  []BreakdownRow    `json:"breakdown"`
}

// Aggregator derives dashboard views from stored events.
type Aggregator struct {
	store *Store
	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator creates an aggregator over the store.
func NewAggregator(store *Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Dashboard computes summary, timeseries, and breakdown for the range.
func (a *Aggregator) Dashboard(r Range) (*Dashboard, error) {
	now := a.now().UTC()
	events, err := a.store.Query(r.Start(now))
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		Range:      string(r),
		Summary:    Summarize(events),
		Timeseries: Timeseries(events, r, now),
		Breakdown:  Breakdown(events),
	}, nil
}

// Summarize folds events into one Summary.
func Summarize(events []Event) Summary {
	var s Summary
	for _, e := range events {
		tokens := e.Tokens.Normalize()
		s.TotalRequests++
		s.TotalTokens += tokens.Total
		s.InputTokens += tokens.Input
		s.OutputTokens += tokens.Output
		s.CachedTokens += tokens.Cached
		s.ReasoningTokens += tokens.Reasoning
		if e.IsError() {
			s.ErrorCount++
		}
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.ErrorCount) / float64(s.TotalRequests)
	}
	return s
}

// Timeseries buckets events into contiguous, zero-filled, half-open
// [start, end) intervals ordered chronologically. Summing all buckets
// reproduces the overall summary counters.
func Timeseries(events []Event, r Range, now time.Time) []TimeseriesPoint {
	size, layout := r.bucketSize()

	start := r.Start(now)
	if start.IsZero() {
		if len(events) == 0 {
			return []TimeseriesPoint{}
		}
		start = events[0].Timestamp
	}

	byLabel := make(map[string]*TimeseriesPoint)
	var ordered []string
	add := func(label string) *TimeseriesPoint {
		if p, ok := byLabel[label]; ok {
			return p
		}
		p := &TimeseriesPoint{Bucket: label}
		byLabel[label] = p
		ordered = append(ordered, label)
		return p
	}

	// Dense fill so charts get contiguous buckets even with no traffic.
	if r == RangeAll {
		for cursor := monthStart(start.UTC()); !cursor.After(now); cursor = cursor.AddDate(0, 1, 0) {
			add(cursor.Format(layout))
		}
	} else {
		for cursor := start.UTC().Truncate(size); cursor.Before(now) || cursor.Equal(now); cursor = cursor.Add(size) {
			add(cursor.Format(layout))
		}
	}

	for _, e := range events {
		label := e.Timestamp.UTC().Truncate(size).Format(layout)
		if r == RangeAll {
			label = monthStart(e.Timestamp.UTC()).Format(layout)
		}
		p := add(label)
		tokens := e.Tokens.Normalize()
		p.Requests++
		p.TotalTokens += tokens.Total
		p.InputTokens += tokens.Input
		p.OutputTokens += tokens.Output
		p.CachedTokens += tokens.Cached
		p.ReasoningTokens += tokens.Reasoning
		if e.IsError() {
			p.ErrorCount++
		}
	}

	sort.Strings(ordered)
	points := make([]TimeseriesPoint, 0, len(ordered))
	for _, label := range ordered {
		points = append(points, *byLabel[label])
	}
	return points
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Breakdown groups events by (provider, model, account), sorted by total
// tokens then requests, descending, capped at the breakdown row limit.
func Breakdown(events []Event) []BreakdownRow {
	type key struct{ provider, model, account string }
	byKey := make(map[key]*BreakdownRow)
	lastSeen := make(map[key]time.Time)

	for _, e := range events {
		k := key{e.Provider, e.Model, e.AccountKey}
		row, ok := byKey[k]
		if !ok {
			row = &BreakdownRow{Provider: e.Provider, Model: e.Model, AccountKey: e.AccountKey}
			byKey[k] = row
		}
		tokens := e.Tokens.Normalize()
		row.Requests++
		row.TotalTokens += tokens.Total
		row.InputTokens += tokens.Input
		row.OutputTokens += tokens.Output
		row.CachedTokens += tokens.Cached
		row.ReasoningTokens += tokens.Reasoning
		if e.IsError() {
			row.ErrorCount++
		}
		if e.Timestamp.After(lastSeen[k]) {
			lastSeen[k] = e.Timestamp
		}
	}

	rows := make([]BreakdownRow, 0, len(byKey))
	for k, row := range byKey {
		if ts := lastSeen[k]; !ts.IsZero() {
			formatted := ts.UTC().Format(time.RFC3339)
			row.LastSeen = &formatted
		}
		rows = append(rows, *row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalTokens != rows[j].TotalTokens {
			return rows[i].TotalTokens > rows[j].TotalTokens
		}
		if rows[i].Requests != rows[j].Requests {
			return rows[i].Requests > rows[j].Requests
		}
		return rows[i].Model < rows[j].Model
	})
	if len(rows) > config.DefaultBreakdownRowCap {
		rows = rows[:config.DefaultBreakdownRowCap]
	}
	return rows
}
