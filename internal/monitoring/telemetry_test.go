package monitoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry", "requests.jsonl")
	tracker, err := NewTracker(true, path)
	require.NoError(t, err)

	tracker.RecordRequest(&RequestEvent{
		Timestamp:  time.Now().UTC(),
		RequestID:  "r1",
		Method:     "POST",
		Path:       "/v1/messages",
		Route:      "inference",
		Model:      "claude-sonnet-4",
		StatusCode: 200,
		DurationMS: 42,
	})
	tracker.RecordRequest(&RequestEvent{
		RequestID:  "r2",
		Route:      "management",
		StatusCode: 404,
	})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []RequestEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e RequestEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 2)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.Equal(t, "inference", events[0].Route)
	assert.Equal(t, 200, events[0].StatusCode)
	assert.Equal(t, "r2", events[1].RequestID)
}

func TestTracker_DisabledWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	tracker, err := NewTracker(false, path)
	require.NoError(t, err)

	tracker.RecordRequest(&RequestEvent{RequestID: "r1"})

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTracker_NilEventIsNoop(t *testing.T) {
	tracker, err := NewTracker(true, filepath.Join(t.TempDir(), "requests.jsonl"))
	require.NoError(t, err)
	tracker.RecordRequest(nil)
}
