// Request classification for the thinking proxy.
//
// DESIGN: Classification is a pure function of method and path. The proxy
// handler consumes the Decision and never re-inspects the path, which keeps
// routing independently testable without sockets.
package proxy

import "strings"

// RouteClass is the handling branch a request takes.
type RouteClass int

const (
	// RouteLoginRedirect answers with an HTTP redirect to the login origin.
	RouteLoginRedirect RouteClass = iota
	// RouteProviderRewrite maps /provider/... to /api/provider/... and is
	// then handled like inference.
	RouteProviderRewrite
	// RouteInference forwards to the local backend (or alternate gateway)
	// and is eligible for thinking rewrite and usage tracking.
	RouteInference
	// RouteManagementPassthrough forwards verbatim to the management origin.
	RouteManagementPassthrough
	// RouteUnclassified is the permissive fallback, handled like management
	// passthrough rather than rejected.
	RouteUnclassified
)

// String returns the route class name for logging.
func (c RouteClass) String() string {
	switch c {
	case RouteLoginRedirect:
		return "login_redirect"
	case RouteProviderRewrite:
		return "provider_rewrite"
	case RouteInference:
		return "inference"
	case RouteManagementPassthrough:
		return "management"
	case RouteUnclassified:
		return "unclassified"
	default:
		return "unknown"
	}
}

// Decision is the outcome of classifying one request.
type Decision struct {
	Class RouteClass
	// Path is the forward path. For RouteProviderRewrite it carries the
	// /api rewrite; otherwise it equals the inbound path.
	Path string
	// LoginPath is the path segment of the login redirect, set only for
	// RouteLoginRedirect. The query string is appended by the handler.
	LoginPath string
}

// Classify maps method and path to a routing decision. It is total: every
// input yields a decision, unknown paths fall back to RouteUnclassified.
func Classify(method, path string) Decision {
	if strings.HasPrefix(path, "/auth/cli-login") || strings.HasPrefix(path, "/api/auth/cli-login") {
		loginPath := path
		if strings.HasPrefix(path, "/api/") {
			loginPath = path[len("/api"):]
		}
		return Decision{Class: RouteLoginRedirect, Path: path, LoginPath: loginPath}
	}

	if strings.HasPrefix(path, "/provider/") {
		return Decision{Class: RouteProviderRewrite, Path: "/api" + path}
	}

	if isInferencePath(path) {
		return Decision{Class: RouteInference, Path: path}
	}

	// Known management surface: /api/... that is not an inference prefix.
	if strings.HasPrefix(path, "/api/") {
		return Decision{Class: RouteManagementPassthrough, Path: path}
	}

	return Decision{Class: RouteUnclassified, Path: path}
}

func isInferencePath(path string) bool {
	return strings.HasPrefix(path, "/v1/") ||
		strings.HasPrefix(path, "/api/v1/") ||
		strings.HasPrefix(path, "/api/provider/")
}
