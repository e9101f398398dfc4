// Native usage reconciliation.
//
// DESIGN: Fetch is best-effort and never blocks the dashboard: any network
// or parse failure becomes a status="unavailable" panel instead of an error.
// Refetches are rate-limited; inside the cooldown the last good panel is
// served with status="stale". last_synced_at only advances on success.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vibeproxy/thinking-gateway/internal/config"
	"github.com/vibeproxy/thinking-gateway/internal/usage"
)

// Status classifies the panel freshness.
type Status string

const (
	StatusOK          Status = "ok"
	StatusStale       Status = "stale"
	StatusUnavailable Status = "unavailable"
)

// Row is one native usage fact.
type Row struct {
	Source    string `json:"source"`
	Model     string `json:"model"`
	AuthIndex *int   `json:"auth_index,omitempty"`
	Requests  int64  `json:"requests"`
	Tokens    int64  `json:"tokens"`
}

// PanelSummary totals the native rows.
type PanelSummary struct {
	TotalRequests int64 `json:"total_requests"`
	TotalTokens   int64 `json:"total_tokens"`
}

// Panel is the comparison snapshot returned to the dashboard. Never
// persisted; fetched (or served stale) on each query.
type Panel struct {
	Status Status `json:"status"`
	// EffectiveRange is the range the source actually honored; "all" is
	// clamped to the 30d window.
	EffectiveRange string        `json:"effective_range"`
	Message        string        `json:"message,omitempty"`
	Summary        *PanelSummary `json:"summary,omitempty"`
	Rows           []Row         `json:"rows"`
	LastSyncedAt   *string       `json:"last_synced_at"`
}

// remotePayload is the management endpoint's wire shape.
type remotePayload struct {
	Range string `json:"range"`
	Rows  []struct {
		Source    string `json:"source"`
		Model     string `json:"model"`
		AuthIndex *int   `json:"auth_index"`
		Requests  int64  `json:"requests"`
		Tokens    int64  `json:"tokens"`
	} `json:"rows"`
}

// Reconciler fetches and normalizes native usage from the management API.
type Reconciler struct {
	endpoint string
	key      string
	client   *http.Client
	limiter  *rate.Limiter

	mu         sync.Mutex
	lastPanel  *Panel
	lastSynced time.Time
	// now is swappable for tests.
	now func() time.Time
}

// NewReconciler creates a reconciler for the management endpoint. key is the
// locally managed credential.
func NewReconciler(endpoint, key string) *Reconciler {
	return &Reconciler{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{Timeout: config.DefaultNativeFetchTimeout},
		limiter:  rate.NewLimiter(rate.Every(config.DefaultNativeFetchCooldown), 1),
		now:      time.Now,
	}
}

// Fetch returns the native usage panel for the range. The "all" range is
// clamped to 30d because the remote source does not support unbounded
// queries; EffectiveRange reflects the clamp.
func (r *Reconciler) Fetch(ctx context.Context, rng usage.Range) Panel {
	effective := rng
	if effective == usage.RangeAll {
		effective = usage.Range30d
	}

	if !r.limiter.Allow() {
		if cached := r.cachedPanel(); cached != nil {
			return *cached
		}
		// Nothing cached yet; fall through and spend the next token when
		// the limiter refills. Until then report unavailable.
		return r.unavailable(effective, "native usage fetch cooling down")
	}

	panel, err := r.fetchRemote(ctx, effective)
	if err != nil {
		log.Debug().Err(err).Str("range", string(effective)).Msg("native: fetch failed")
		if cached := r.cachedPanel(); cached != nil {
			return *cached
		}
		return r.unavailable(effective, fmt.Sprintf("native usage unavailable: %v", err))
	}

	r.mu.Lock()
	r.lastPanel = panel
	r.lastSynced = r.now()
	r.mu.Unlock()
	return *panel
}

// cachedPanel returns the last good panel marked stale, or nil. The panel
// keeps its own EffectiveRange: it describes the fetch that produced the
// rows, not the query that happened to hit the cooldown.
func (r *Reconciler) cachedPanel() *Panel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastPanel == nil {
		return nil
	}
	stale := *r.lastPanel
	stale.Status = StatusStale
	return &stale
}

func (r *Reconciler) unavailable(effective usage.Range, message string) Panel {
	return Panel{
		Status:         StatusUnavailable,
		EffectiveRange: string(effective),
		Message:        message,
		Rows:           []Row{},
		LastSyncedAt:   r.lastSyncedAt(),
	}
}

func (r *Reconciler) lastSyncedAt() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSynced.IsZero() {
		return nil
	}
	formatted := r.lastSynced.UTC().Format(time.RFC3339)
	return &formatted
}

// rangeSpan returns the duration of a bounded window. RangeAll and unknown
// values report false.
func rangeSpan(r usage.Range) (time.Duration, bool) {
	switch r {
	case usage.Range24h:
		return 24 * time.Hour, true
	case usage.Range7d:
		return 7 * 24 * time.Hour, true
	case usage.Range30d:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// rangeWithin reports whether reported is a known window covering no more
// than requested.
func rangeWithin(reported, requested usage.Range) bool {
	reportedSpan, ok := rangeSpan(reported)
	if !ok {
		return false
	}
	requestedSpan, ok := rangeSpan(requested)
	if !ok {
		return false
	}
	return reportedSpan <= requestedSpan
}

func (r *Reconciler) fetchRemote(ctx context.Context, effective usage.Range) (*Panel, error) {
	url := fmt.Sprintf("%s?range=%s", r.endpoint, effective)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build native usage request: %w", err)
	}
	req.Header.Set("X-Management-Key", r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("native usage request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("native usage endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read native usage response: %w", err)
	}

	var payload remotePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse native usage response: %w", err)
	}

	// The source may clamp further than we did; trust its reported range
	// only when it is a known window no wider than the one we asked for.
	reported := effective
	if claimed := usage.Range(payload.Range); rangeWithin(claimed, effective) {
		reported = claimed
	}

	panel := &Panel{
		Status:         StatusOK,
		EffectiveRange: string(reported),
		Rows:           make([]Row, 0, len(payload.Rows)),
	}
	summary := PanelSummary{}
	for _, row := range payload.Rows {
		panel.Rows = append(panel.Rows, Row{
			Source:    row.Source,
			Model:     row.Model,
			AuthIndex: row.AuthIndex,
			Requests:  row.Requests,
			Tokens:    row.Tokens,
		})
		summary.TotalRequests += row.Requests
		summary.TotalTokens += row.Tokens
	}
	panel.Summary = &summary

	syncedAt := r.now().UTC().Format(time.RFC3339)
	panel.LastSyncedAt = &syncedAt
	return panel, nil
}
