package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/vibeproxy/thinking-gateway/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL,
  timestamp_utc INTEGER NOT NULL,
  method TEXT NOT NULL,
  path TEXT NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  account_key TEXT NOT NULL,
  status_code INTEGER NOT NULL,
  is_success INTEGER NOT NULL,
  error_class TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL,
  input_tokens INTEGER,
  output_tokens INTEGER,
  total_tokens INTEGER,
  cached_tokens INTEGER,
  reasoning_tokens INTEGER,
  usage_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp
  ON usage_events(timestamp_utc);
CREATE INDEX IF NOT EXISTS idx_usage_events_provider_model
  ON usage_events(provider, model);
CREATE INDEX IF NOT EXISTS idx_usage_events_account
  ON usage_events(account_key);
`

// Store is the durable, queryable usage-event store. Writes are serialized
// through one goroutine; Record never blocks the caller beyond a channel
// send on a buffered queue.
type Store struct {
	db    *sql.DB
	queue chan Event

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the sqlite database at dbPath and starts the
// writer goroutine.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create usage db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db %s: %w", dbPath, err)
	}
	// One writer; the pool must not hand out parallel connections that
	// would fight over the sqlite write lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure usage db: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan Event, config.DefaultUsageQueueSize),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Record enqueues one event for persistence. It never blocks the response
// path: when the queue is full the event is dropped with a log line
// (telemetry loss is acceptable, broken requests are not). The send happens
// under the mutex so it cannot race Close closing the queue.
func (s *Store) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- event:
	default:
		log.Warn().
			Str("request_id", event.RequestID).
			Str("model", event.Model).
			Msg("usage: queue full, dropping event")
	}
}

// Flush blocks until every event enqueued before the call is durable.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Sending under the mutex orders the sentinel against Close; the writer
	// goroutine drains independently, so the send cannot deadlock.
	s.queue <- Event{flushMarker: done}
	s.mu.Unlock()
	<-done
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for event := range s.queue {
		if event.flushMarker != nil {
			close(event.flushMarker)
			continue
		}
		if err := s.insert(event); err != nil {
			log.Error().Err(err).
				Str("request_id", event.RequestID).
				Msg("usage: failed to persist event")
		}
	}
}

func (s *Store) insert(event Event) error {
	tokens := event.Tokens.Normalize()
	isSuccess := 0
	if !event.IsError() {
		isSuccess = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_events (
		  request_id, timestamp_utc, method, path, provider, model,
		  account_key, status_code, is_success, error_class, duration_ms,
		  input_tokens, output_tokens, total_tokens, cached_tokens,
		  reasoning_tokens, usage_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RequestID,
		event.Timestamp.UTC().Unix(),
		event.Method,
		event.Path,
		event.Provider,
		event.Model,
		event.AccountKey,
		event.StatusCode,
		isSuccess,
		event.ErrorClass,
		event.DurationMS,
		tokens.Input,
		tokens.Output,
		tokens.Total,
		tokens.Cached,
		tokens.Reasoning,
		nullableString(event.UsageJSON),
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Query returns events with timestamp >= since (zero time means no lower
// bound), chronologically ordered, capped at config.DefaultQueryRowCap rows.
// When the range holds more rows than the cap, the newest rows survive: a
// capped dashboard degrades toward missing old history, never the present.
func (s *Store) Query(since time.Time) ([]Event, error) {
	return s.queryNewest(since, config.DefaultQueryRowCap)
}

func (s *Store) queryNewest(since time.Time, limit int) ([]Event, error) {
	query := `
		SELECT request_id, timestamp_utc, method, path, provider, model,
		       account_key, status_code, is_success, error_class, duration_ms,
		       COALESCE(input_tokens, 0), COALESCE(output_tokens, 0),
		       COALESCE(total_tokens, 0), COALESCE(cached_tokens, 0),
		       COALESCE(reasoning_tokens, 0), COALESCE(usage_json, '')
		FROM usage_events`
	args := []any{}
	if !since.IsZero() {
		query += " WHERE timestamp_utc >= ?"
		args = append(args, since.UTC().Unix())
	}
	query += " ORDER BY timestamp_utc DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var isSuccess int
		if err := rows.Scan(
			&e.RequestID, &ts, &e.Method, &e.Path, &e.Provider, &e.Model,
			&e.AccountKey, &e.StatusCode, &isSuccess, &e.ErrorClass,
			&e.DurationMS, &e.Tokens.Input, &e.Tokens.Output, &e.Tokens.Total,
			&e.Tokens.Cached, &e.Tokens.Reasoning, &e.UsageJSON,
		); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		if isSuccess == 1 {
			e.Outcome = OutcomeSuccess
		} else {
			e.Outcome = OutcomeError
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	// Scanned newest-first for the cap; callers get chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
