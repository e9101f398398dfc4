// Package monitoring records proxied-request telemetry as JSONL.
//
// DESIGN: One JSON object per line, appended immediately after each request
// so tailing the file gives real-time visibility. Telemetry failures are
// logged and swallowed; they never affect the request path.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestEvent is one proxied request.
type RequestEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Route       string    `json:"route"`
	Upstream    string    `json:"upstream,omitempty"`
	Model       string    `json:"model,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	StatusCode  int       `json:"status_code"`
	DurationMS  int64     `json:"duration_ms"`
	ThinkingSet bool      `json:"thinking_set,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Tracker appends request events to a JSONL file.
type Tracker struct {
	enabled bool
	logPath string
	mu      sync.Mutex
}

// NewTracker creates a tracker. A disabled tracker is a cheap no-op.
func NewTracker(enabled bool, logPath string) (*Tracker, error) {
	t := &Tracker{enabled: enabled && logPath != "", logPath: logPath}
	if !t.enabled {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordRequest appends one request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.logPath, event); err != nil {
		log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write request event")
	}
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
