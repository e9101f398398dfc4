package proxy

import "testing"

func TestClassify_Routes(t *testing.T) {
	cases := []struct {
		name      string
		method    string
		path      string
		wantClass RouteClass
		wantPath  string
	}{
		{"v1 inference", "POST", "/v1/messages", RouteInference, "/v1/messages"},
		{"api v1 inference", "POST", "/api/v1/chat/completions", RouteInference, "/api/v1/chat/completions"},
		{"api provider inference", "POST", "/api/provider/anthropic/v1/messages", RouteInference, "/api/provider/anthropic/v1/messages"},
		{"provider rewrite", "POST", "/provider/anthropic/v1/messages", RouteProviderRewrite, "/api/provider/anthropic/v1/messages"},
		{"provider rewrite foo", "POST", "/provider/foo/bar", RouteProviderRewrite, "/api/provider/foo/bar"},
		{"management api", "GET", "/api/user/settings", RouteManagementPassthrough, "/api/user/settings"},
		{"management threads", "POST", "/api/threads/sync", RouteManagementPassthrough, "/api/threads/sync"},
		{"unclassified root", "GET", "/", RouteUnclassified, "/"},
		{"unclassified page", "GET", "/settings", RouteUnclassified, "/settings"},
		{"login", "GET", "/auth/cli-login", RouteLoginRedirect, "/auth/cli-login"},
		{"login with api prefix", "GET", "/api/auth/cli-login", RouteLoginRedirect, "/api/auth/cli-login"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Classify(tc.method, tc.path)
			if d.Class != tc.wantClass {
				t.Fatalf("Classify(%q).Class = %s, want %s", tc.path, d.Class, tc.wantClass)
			}
			if d.Path != tc.wantPath {
				t.Fatalf("Classify(%q).Path = %q, want %q", tc.path, d.Path, tc.wantPath)
			}
		})
	}
}

func TestClassify_ProviderRewritePath(t *testing.T) {
	d := Classify("POST", "/provider/openai/v1/chat/completions")
	if d.Class != RouteProviderRewrite {
		t.Fatalf("Class = %s, want provider_rewrite", d.Class)
	}
	if d.Path != "/api/provider/openai/v1/chat/completions" {
		t.Fatalf("Path = %q", d.Path)
	}
}

func TestClassify_LoginStripsAPIPrefix(t *testing.T) {
	d := Classify("GET", "/api/auth/cli-login")
	if d.LoginPath != "/auth/cli-login" {
		t.Fatalf("LoginPath = %q, want /auth/cli-login", d.LoginPath)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	// Same input, same decision: classification carries no hidden state.
	for i := 0; i < 3; i++ {
		d := Classify("POST", "/v1/messages")
		if d.Class != RouteInference {
			t.Fatalf("iteration %d: Class = %s", i, d.Class)
		}
	}
}
