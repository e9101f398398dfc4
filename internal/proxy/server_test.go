package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vibeproxy/thinking-gateway/internal/config"
	"github.com/vibeproxy/thinking-gateway/internal/monitoring"
	"github.com/vibeproxy/thinking-gateway/internal/usage"
)

func newTestServer(t *testing.T, backendURL, managementOrigin string) (*Server, *usage.Store) {
	t.Helper()

	store, err := usage.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tracker, err := monitoring.NewTracker(false, "")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Upstream.BackendURL = backendURL
	cfg.Upstream.ManagementOrigin = managementOrigin
	cfg.Upstream.LoginOrigin = managementOrigin

	return NewServer(cfg, store, nil, tracker), store
}

func TestServer_InferenceForwardedAndRewritten(t *testing.T) {
	var gotPath, gotBeta string
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBeta = r.Header.Get("anthropic-beta")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","usage":{"input_tokens":100,"output_tokens":50}}`)
	}))
	defer backend.Close()

	server, store := newTestServer(t, backend.URL, "https://example.test")

	body := `{"model":"claude-sonnet-4-thinking-3000","max_tokens":2000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, InterleavedThinkingBeta, gotBeta)

	forwarded := gjson.ParseBytes(gotBody)
	assert.Equal(t, "claude-sonnet-4", forwarded.Get("model").String())
	assert.Equal(t, int64(3000), forwarded.Get("thinking.budget_tokens").Int())

	store.Flush()
	events, err := store.Query(time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "claude-sonnet-4", events[0].Model)
	assert.Equal(t, "anthropic", events[0].Provider)
	assert.Equal(t, usage.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, int64(100), events[0].Tokens.Input)
	assert.Equal(t, int64(50), events[0].Tokens.Output)
	assert.NotEqual(t, "anonymous", events[0].AccountKey)
	assert.NotContains(t, events[0].AccountKey, "sk-test")
}

func TestServer_InferenceStreamingUsageCaptured(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":77}}}`+"\n\n")
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"type":"message_delta","usage":{"output_tokens":33}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	server, store := newTestServer(t, backend.URL, "https://example.test")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4","stream":true}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "message_delta")

	store.Flush()
	events, err := store.Query(time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(77), events[0].Tokens.Input)
	assert.Equal(t, int64(33), events[0].Tokens.Output)
	assert.Equal(t, int64(110), events[0].Tokens.Total)
}

func TestServer_UpstreamDownRecordsError(t *testing.T) {
	// Port 1 is never listening.
	server, store := newTestServer(t, "http://127.0.0.1:1", "https://example.test")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	store.Flush()
	events, err := store.Query(time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, usage.OutcomeError, events[0].Outcome)
	assert.Equal(t, "upstream_unreachable", events[0].ErrorClass)
	assert.Equal(t, int64(0), events[0].Tokens.Total)
}

func TestServer_GatewayRoutingForClaudeModels(t *testing.T) {
	var gotAuth, gotPath string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer gateway.Close()

	var backendHit bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHit = true
		fmt.Fprint(w, `{}`)
	}))
	defer backend.Close()

	server, _ := newTestServer(t, backend.URL, "https://example.test")
	cfg := config.Default()
	cfg.Upstream.BackendURL = backend.URL
	cfg.Upstream.ManagementOrigin = "https://example.test"
	cfg.Gateway = config.GatewayConfig{Enabled: true, APIKey: "gw-key", URL: gateway.URL}
	server.UpdateConfig(cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"model":"claude-opus-4"}`))
	req.Header.Set("x-api-key", "client-secret")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, backendHit, "claude request must route to the gateway")
	assert.Equal(t, "Bearer gw-key", gotAuth)
	assert.Equal(t, "/v1/messages", gotPath)
}

func TestServer_GatewayAlwaysTargetsMessagesPath(t *testing.T) {
	var gotPaths []string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		fmt.Fprint(w, `{}`)
	}))
	defer gateway.Close()

	server, _ := newTestServer(t, "http://127.0.0.1:1", "https://example.test")
	cfg := config.Default()
	cfg.Upstream.BackendURL = "http://127.0.0.1:1"
	cfg.Upstream.ManagementOrigin = "https://example.test"
	cfg.Gateway = config.GatewayConfig{Enabled: true, APIKey: "gw-key", URL: gateway.URL}
	server.UpdateConfig(cfg)

	// The gateway serves one endpoint; every inbound path shape maps to it.
	for _, path := range []string{
		"/provider/anthropic/v1/messages",
		"/v1/chat/completions",
		"/api/v1/messages",
	} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"model":"claude-opus-4"}`))
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	require.Len(t, gotPaths, 3)
	for _, got := range gotPaths {
		assert.Equal(t, "/v1/messages", got)
	}
}

func TestServer_GatewayInactiveForNonClaudeModels(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not receive non-claude traffic")
	}))
	defer gateway.Close()

	var backendHit bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHit = true
		fmt.Fprint(w, `{}`)
	}))
	defer backend.Close()

	server, _ := newTestServer(t, backend.URL, "https://example.test")
	cfg := config.Default()
	cfg.Upstream.BackendURL = backend.URL
	cfg.Upstream.ManagementOrigin = "https://example.test"
	cfg.Gateway = config.GatewayConfig{Enabled: true, APIKey: "gw-key", URL: gateway.URL}
	server.UpdateConfig(cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backendHit)
}

func TestServer_LoginRedirect(t *testing.T) {
	server, _ := newTestServer(t, "http://127.0.0.1:1", "https://ampcode.example")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/cli-login?token=abc&port=123", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://ampcode.example/auth/cli-login?token=abc&port=123", rec.Header().Get("Location"))
}

func TestServer_ManagementPassthroughWith404Retry(t *testing.T) {
	management := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Set-Cookie", "session=xyz; Domain=ampcode.example; Path=/")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer management.Close()

	server, _ := newTestServer(t, "http://127.0.0.1:1", management.URL)

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Domain=localhost")
}

func TestServer_UsageDashboardEndpoint(t *testing.T) {
	server, store := newTestServer(t, "http://127.0.0.1:1", "https://example.test")

	store.Record(usage.Event{
		RequestID: "r1", Timestamp: time.Now().UTC(), Method: "POST", Path: "/v1/messages",
		Provider: "anthropic", Model: "claude-sonnet-4", AccountKey: "acct-1",
		StatusCode: 200, Outcome: usage.OutcomeSuccess,
		Tokens: usage.TokenCounts{Input: 10, Output: 5},
	})
	store.Flush()

	req := httptest.NewRequest(http.MethodGet, "/vibeproxy/usage?range=7d", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Range   string `json:"range"`
		Summary struct {
			TotalRequests int64 `json:"total_requests"`
			TotalTokens   int64 `json:"total_tokens"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "7d", resp.Range)
	assert.Equal(t, int64(1), resp.Summary.TotalRequests)
	assert.Equal(t, int64(15), resp.Summary.TotalTokens)
}

func TestServer_UsageDashboardRejectsNonLoopback(t *testing.T) {
	server, _ := newTestServer(t, "http://127.0.0.1:1", "https://example.test")

	req := httptest.NewRequest(http.MethodGet, "/vibeproxy/usage", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_HealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "http://127.0.0.1:1", "https://example.test")

	req := httptest.NewRequest(http.MethodGet, "/vibeproxy/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRewriteLocation(t *testing.T) {
	origin := "https://ampcode.example"
	assert.Equal(t, "/api/settings", rewriteLocation("https://ampcode.example/settings", origin))
	assert.Equal(t, "/api/threads/t-1", rewriteLocation("https://ampcode.example/threads/t-1", origin))
	assert.Equal(t, "/api/user", rewriteLocation("https://ampcode.example/api/user", origin))
	assert.Equal(t, "/auth/cli-login", rewriteLocation("https://ampcode.example/auth/cli-login", origin))
	// Foreign origins pass through.
	assert.Equal(t, "https://other.example/x", rewriteLocation("https://other.example/x", origin))
}

func TestRewriteCookieDomain(t *testing.T) {
	got := rewriteCookieDomain("session=abc; Domain=ampcode.example; Path=/; Secure")
	assert.Contains(t, got, "Domain=localhost")
	assert.Contains(t, got, "session=abc")
	assert.Contains(t, got, "Secure")

	// No domain attribute: unchanged.
	assert.Equal(t, "session=abc; Path=/", rewriteCookieDomain("session=abc; Path=/"))
}

func TestProviderFromModel(t *testing.T) {
	assert.Equal(t, "anthropic", providerFromModel("claude-opus-4"))
	assert.Equal(t, "google", providerFromModel("gemini-claude-sonnet-4"))
	assert.Equal(t, "google", providerFromModel("gemini-2.0-flash"))
	assert.Equal(t, "openai", providerFromModel("gpt-4o"))
	assert.Equal(t, "unknown", providerFromModel(""))
	assert.Equal(t, "other", providerFromModel("llama-3"))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:1234"))
	assert.True(t, isLoopback("[::1]:1234"))
	assert.False(t, isLoopback("192.0.2.1:1234"))
	assert.False(t, isLoopback("not-an-addr"))
}
