// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// PORTS AND ORIGINS
// =============================================================================

// DefaultProxyPort is the loopback port the rewriting proxy listens on.
const DefaultProxyPort = 8317

// DefaultBackendPort is the port of the externally-spawned local backend.
const DefaultBackendPort = 8318

// DefaultManagementOrigin is the remote Amp management service.
const DefaultManagementOrigin = "https://ampcode.com"

// DefaultLoginOrigin is where CLI login callbacks are redirected.
const DefaultLoginOrigin = "https://ampcode.com"

// DefaultGatewayOrigin is the alternate Vercel AI Gateway endpoint.
const DefaultGatewayOrigin = "https://ai-gateway.vercel.sh"

// =============================================================================
// THINKING REWRITE
// =============================================================================

// HardTokenCap is the upper bound for both the thinking budget and the
// output-token ceiling the rewriter will ever set.
const HardTokenCap = 32000

// MinimumHeadroom is the smallest gap kept between the thinking budget and
// the output-token ceiling.
const MinimumHeadroom = 1024

// HeadroomRatio scales the headroom with the budget (10% of the budget,
// floored at MinimumHeadroom).
const HeadroomRatio = 0.1

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size for stream copying.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the maximum buffered upstream response body (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// DefaultConnectTimeout is the TCP dial timeout for upstream connections.
const DefaultConnectTimeout = 5 * time.Second

// DefaultUpstreamTimeout bounds a whole upstream exchange. Generous because
// streaming inference responses can run for minutes.
const DefaultUpstreamTimeout = 10 * time.Minute

// DefaultServerWriteTimeout for the proxy HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// =============================================================================
// USAGE STORE AND DASHBOARD
// =============================================================================

// DefaultUsageQueueSize is the buffered channel capacity feeding the single
// sqlite writer goroutine. Events beyond this are dropped, not blocked on.
const DefaultUsageQueueSize = 1024

// DefaultQueryRowCap bounds how many events one range query returns.
const DefaultQueryRowCap = 50000

// DefaultBreakdownRowCap bounds the breakdown table size.
const DefaultBreakdownRowCap = 200

// =============================================================================
// NATIVE USAGE RECONCILER
// =============================================================================

// DefaultNativeFetchCooldown is the minimum interval between management-API
// usage fetches. Queries inside the window serve the cached panel as stale.
const DefaultNativeFetchCooldown = 30 * time.Second

// DefaultNativeFetchTimeout bounds a single management-API fetch.
const DefaultNativeFetchTimeout = 10 * time.Second
