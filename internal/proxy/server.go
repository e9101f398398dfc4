// HTTP request handling for the thinking proxy.
//
// DESIGN: Main request flow:
//   - ServeHTTP():          Entry point, control paths, then classification
//   - handleInference():    Thinking rewrite, upstream select, usage capture
//   - handleManagement():   Verbatim passthrough with response fixups
//   - handleLoginRedirect(): HTTP redirect to the login origin
//
// The listener binds loopback only. Configuration is an atomic snapshot:
// each request loads it once and never observes a mid-flight change.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/vibeproxy/thinking-gateway/internal/config"
	"github.com/vibeproxy/thinking-gateway/internal/monitoring"
	"github.com/vibeproxy/thinking-gateway/internal/native"
	"github.com/vibeproxy/thinking-gateway/internal/usage"
)

// Server is the local rewriting reverse proxy.
type Server struct {
	cfg        atomic.Pointer[config.Config]
	store      *usage.Store
	aggregator *usage.Aggregator
	reconciler *native.Reconciler
	tracker    *monitoring.Tracker
	client     *http.Client
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the proxy. store and tracker are required; reconciler may
// be nil when native comparison is disabled.
func NewServer(cfg *config.Config, store *usage.Store, reconciler *native.Reconciler, tracker *monitoring.Tracker) *Server {
	s := &Server{
		store:      store,
		aggregator: usage.NewAggregator(store),
		reconciler: reconciler,
		tracker:    tracker,
		client: &http.Client{
			Timeout: config.DefaultUpstreamTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.DefaultConnectTimeout,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects from the management origin are relayed to the client
			// (with fixups), never followed by the proxy.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		startTime: time.Now(),
	}
	s.cfg.Store(cfg)
	return s
}

// UpdateConfig swaps the configuration snapshot. In-flight requests keep the
// snapshot they loaded.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// Start binds the loopback listener and serves until Shutdown.
func (s *Server) Start() error {
	cfg := s.cfg.Load()
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.DefaultServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("backend", cfg.Upstream.BackendURL).
		Bool("gateway", cfg.Gateway.Active()).
		Msg("proxy: listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	// Control endpoints live under a reserved prefix handled before
	// classification so they can never collide with proxied paths.
	switch {
	case r.URL.Path == "/vibeproxy/health":
		s.handleHealth(w, r)
		return
	case r.URL.Path == "/vibeproxy/usage":
		s.handleUsage(w, r)
		return
	}

	decision := Classify(r.Method, r.URL.Path)
	log.Debug().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", decision.Class.String()).
		Msg("proxy: classified request")

	switch decision.Class {
	case RouteLoginRedirect:
		s.handleLoginRedirect(w, r, decision, requestID)
	case RouteInference, RouteProviderRewrite:
		s.handleInference(w, r, decision, requestID)
	default:
		s.handleManagement(w, r, decision, requestID)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "proxy_error"},
	})
}

// handleHealth returns proxy liveness and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	health := map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startTime).Truncate(time.Second).String(),
		"backend": cfg.Upstream.BackendURL,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// usageResponse is the JSON response for GET /vibeproxy/usage.
type usageResponse struct {
	*usage.Dashboard
	Native *native.Panel `json:"native,omitempty"`
}

// handleUsage returns the usage dashboard for ?range=24h|7d|30d|all.
// Restricted to loopback peers to keep usage data local.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rng := usage.ParseRange(r.URL.Query().Get("range"))
	dashboard, err := s.aggregator.Dashboard(rng)
	if err != nil {
		log.Error().Err(err).Str("range", string(rng)).Msg("proxy: dashboard query failed")
		s.writeError(w, "usage query failed", http.StatusInternalServerError)
		return
	}

	resp := usageResponse{Dashboard: dashboard}
	if s.reconciler != nil {
		panel := s.reconciler.Fetch(r.Context(), rng)
		resp.Native = &panel
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleLoginRedirect answers CLI login callbacks with a redirect to the
// login origin, preserving the query string.
func (s *Server) handleLoginRedirect(w http.ResponseWriter, r *http.Request, decision Decision, requestID string) {
	cfg := s.cfg.Load()
	target := strings.TrimRight(cfg.Upstream.LoginOrigin, "/") + decision.LoginPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	log.Info().
		Str("request_id", requestID).
		Str("target", target).
		Msg("proxy: redirecting login callback")

	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	s.recordTelemetry(requestID, r, decision, http.StatusTemporaryRedirect, "", "", false, "", 0)
}

// handleInference forwards an inference request to the backend (or the
// alternate gateway), applying the thinking rewrite and capturing usage.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request, decision Decision, requestID string) {
	cfg := s.cfg.Load()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRequestBodySize))
	if err != nil {
		s.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	rewrite := RewriteThinking(body)
	accountKey := accountFingerprint(r.Header)

	upstreamURL, viaGateway := s.selectUpstream(cfg, decision, rewrite.Body)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, strings.NewReader(string(rewrite.Body)))
	if err != nil {
		s.writeError(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	copyProxyHeaders(req.Header, r.Header)
	req.ContentLength = int64(len(rewrite.Body))

	if rewrite.ThinkingEnabled {
		req.Header.Set("anthropic-beta", mergeBetaHeader(r.Header.Get("anthropic-beta")))
	}
	if viaGateway {
		// The gateway authenticates with its own key; the client credential
		// must not leak upstream.
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.APIKey)
		req.Header.Del("x-api-key")
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("upstream", upstreamURL).
			Msg("proxy: upstream request failed")
		s.writeError(w, "upstream unavailable", http.StatusBadGateway)
		s.recordInference(requestID, r, decision, rewrite, accountKey, http.StatusBadGateway,
			usage.TokenCounts{}, "", "upstream_unreachable", time.Since(start))
		s.recordTelemetry(requestID, r, decision, http.StatusBadGateway, upstreamURL,
			rewrite.Model, rewrite.ThinkingEnabled, "upstream_unreachable", time.Since(start))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var counts usage.TokenCounts
	var usageJSON string
	errorClass := ""
	if resp.StatusCode >= 400 {
		errorClass = fmt.Sprintf("upstream_%d", resp.StatusCode)
	}

	if isEventStream(resp.Header) {
		var clientGone bool
		counts, clientGone = s.streamResponse(w, resp.Body)
		if clientGone && errorClass == "" {
			// Counts observed before the disconnect are real; the event is
			// still an error outcome.
			errorClass = "client_disconnect"
		}
	} else {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
		if readErr != nil {
			log.Warn().Err(readErr).Str("request_id", requestID).Msg("proxy: truncated upstream response")
		}
		counts = extractUsage(respBody)
		if raw := gjson.GetBytes(respBody, "usage"); raw.Exists() {
			usageJSON = raw.Raw
		}
		_, _ = w.Write(respBody)
	}

	elapsed := time.Since(start)
	s.recordInference(requestID, r, decision, rewrite, accountKey, resp.StatusCode, counts, usageJSON, errorClass, elapsed)
	s.recordTelemetry(requestID, r, decision, resp.StatusCode, upstreamURL, rewrite.Model, rewrite.ThinkingEnabled, errorClass, elapsed)
}

// streamResponse relays an SSE body chunk by chunk, flushing after each write
// so tokens reach the client as they arrive, while feeding the usage parser.
// clientGone reports a write failure toward the client mid-stream.
func (s *Server) streamResponse(w http.ResponseWriter, body io.Reader) (counts usage.TokenCounts, clientGone bool) {
	flusher, _ := w.(http.Flusher)
	parser := newSSEUsageParser()
	buf := make([]byte, config.DefaultBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				clientGone = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	return parser.Counts(), clientGone
}

// gatewayMessagesPath is the one endpoint the alternate gateway serves;
// every eligible request targets it regardless of the inbound path shape.
const gatewayMessagesPath = "/v1/messages"

// selectUpstream picks the backend or the alternate gateway for this
// request. Gateway routing applies only to Claude-family bodies.
func (s *Server) selectUpstream(cfg *config.Config, decision Decision, body []byte) (string, bool) {
	if cfg.Gateway.Active() && isClaudeModelRequest(body) {
		return strings.TrimRight(cfg.Gateway.URL, "/") + gatewayMessagesPath, true
	}
	return strings.TrimRight(cfg.Upstream.BackendURL, "/") + decision.Path, false
}

// handleManagement forwards a request verbatim to the management origin. A
// 404 on a non-/api path is retried once with the /api prefix, because the
// origin serves most CLI endpoints under /api.
func (s *Server) handleManagement(w http.ResponseWriter, r *http.Request, decision Decision, requestID string) {
	cfg := s.cfg.Load()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRequestBodySize))
	if err != nil {
		s.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	resp, err := s.forwardManagement(r, cfg, decision.Path, body)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("path", decision.Path).
			Msg("proxy: management request failed")
		s.writeError(w, "management origin unavailable", http.StatusBadGateway)
		s.recordTelemetry(requestID, r, decision, http.StatusBadGateway, cfg.Upstream.ManagementOrigin, "", false, "upstream_unreachable", time.Since(start))
		return
	}

	if resp.StatusCode == http.StatusNotFound && !strings.HasPrefix(decision.Path, "/api/") {
		_ = resp.Body.Close()
		retried, retryErr := s.forwardManagement(r, cfg, "/api"+decision.Path, body)
		if retryErr == nil {
			resp = retried
			log.Debug().
				Str("request_id", requestID).
				Str("path", decision.Path).
				Msg("proxy: retried management path with /api prefix")
		} else {
			s.writeError(w, "management origin unavailable", http.StatusBadGateway)
			return
		}
	}
	defer func() { _ = resp.Body.Close() }()

	rewriteManagementHeaders(w.Header(), resp.Header, cfg.Upstream.ManagementOrigin)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	s.recordTelemetry(requestID, r, decision, resp.StatusCode, cfg.Upstream.ManagementOrigin, "", false, "", time.Since(start))
}

func (s *Server) forwardManagement(r *http.Request, cfg *config.Config, path string, body []byte) (*http.Response, error) {
	target := strings.TrimRight(cfg.Upstream.ManagementOrigin, "/") + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build management request: %w", err)
	}
	copyProxyHeaders(req.Header, r.Header)
	req.ContentLength = int64(len(body))
	if origin, perr := url.Parse(cfg.Upstream.ManagementOrigin); perr == nil {
		req.Host = origin.Host
	}
	return s.client.Do(req)
}

// rewriteManagementHeaders copies response headers, pointing redirects and
// cookies back at the local proxy instead of the remote origin.
func rewriteManagementHeaders(dst, src http.Header, managementOrigin string) {
	copyResponseHeaders(dst, src)

	if loc := dst.Get("Location"); loc != "" {
		dst.Set("Location", rewriteLocation(loc, managementOrigin))
	}
	if cookies := src.Values("Set-Cookie"); len(cookies) > 0 {
		dst.Del("Set-Cookie")
		for _, cookie := range cookies {
			dst.Add("Set-Cookie", rewriteCookieDomain(cookie))
		}
	}
}

// rewriteLocation maps absolute redirects on the management origin to local
// paths so the client keeps talking to the proxy.
func rewriteLocation(location, managementOrigin string) string {
	origin := strings.TrimRight(managementOrigin, "/")
	if strings.HasPrefix(location, origin) {
		path := strings.TrimPrefix(location, origin)
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/api/") && !strings.HasPrefix(path, "/auth/") {
			path = "/api" + path
		}
		return path
	}
	return location
}

// rewriteCookieDomain pins cookie domains to localhost so the browser sends
// them back to the proxy.
func rewriteCookieDomain(cookie string) string {
	parts := strings.Split(cookie, ";")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(trimmed), "domain=") {
			parts[i] = " Domain=localhost"
		}
	}
	return strings.Join(parts, ";")
}

// recordInference enqueues one usage event; the store's writer goroutine
// persists it off the response path.
func (s *Server) recordInference(requestID string, r *http.Request, decision Decision, rewrite RewriteResult,
	accountKey string, status int, counts usage.TokenCounts, usageJSON, errorClass string, elapsed time.Duration) {

	if s.store == nil {
		return
	}
	outcome := usage.OutcomeSuccess
	if status >= 400 || errorClass != "" {
		outcome = usage.OutcomeError
	}
	s.store.Record(usage.Event{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		Method:     r.Method,
		Path:       decision.Path,
		Provider:   providerFromModel(rewrite.Model),
		Model:      rewrite.Model,
		AccountKey: accountKey,
		StatusCode: status,
		Outcome:    outcome,
		ErrorClass: errorClass,
		DurationMS: elapsed.Milliseconds(),
		Tokens:     counts,
		UsageJSON:  usageJSON,
	})
}

func (s *Server) recordTelemetry(requestID string, r *http.Request, decision Decision, status int,
	upstream, model string, thinking bool, errorClass string, elapsed time.Duration) {

	if s.tracker == nil {
		return
	}
	s.tracker.RecordRequest(&monitoring.RequestEvent{
		Timestamp:   time.Now().UTC(),
		RequestID:   requestID,
		Method:      r.Method,
		Path:        r.URL.Path,
		Route:       decision.Class.String(),
		Upstream:    upstream,
		Model:       model,
		Provider:    providerFromModel(model),
		StatusCode:  status,
		DurationMS:  elapsed.Milliseconds(),
		ThinkingSet: thinking,
		Error:       errorClass,
	})
}

// providerFromModel infers the provider family from the model id.
func providerFromModel(model string) string {
	switch {
	case model == "":
		return "unknown"
	case strings.HasPrefix(model, "gemini-claude-"):
		return "google"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "gemini-"):
		return "google"
	default:
		return "other"
	}
}

// accountFingerprint derives a stable, non-reversible account key from the
// request credential. Raw credentials are never stored.
func accountFingerprint(h http.Header) string {
	credential := h.Get("Authorization")
	if credential == "" {
		credential = h.Get("x-api-key")
	}
	if credential == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(credential))
	return "acct-" + hex.EncodeToString(sum[:4])
}

// hopByHopHeaders are stripped per RFC 9110 section 7.6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyProxyHeaders copies client headers to the upstream request, minus
// hop-by-hop headers and Host (set per upstream).
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] || strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies upstream headers to the client response, minus
// hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// isLoopback reports whether the remote address is a loopback peer.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
