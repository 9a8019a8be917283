package spawner

import (
	"strings"
	"testing"
)

func TestBuildEnvHandoff(t *testing.T) {
	env := BuildEnv(EnvConfig{
		User:             "alice",
		ServerName:       "gpu",
		ServiceURL:       "http://hub.example.com/user/alice/gpu/",
		BaseURL:          "/",
		APIURL:           "http://hub.example.com/hub/api",
		APIToken:         "tok",
		OAuthClientID:    "userhub-alice-gpu",
		OAuthCallbackURL: "http://hub.example.com/user/alice/gpu/oauth_callback",
		OAuthScopes:      []string{"access:servers!server=alice/gpu"},
		MemLimit:         "2G",
	})

	want := map[string]string{
		EnvUser:             "alice",
		EnvServerName:       "gpu",
		EnvServiceURL:       "http://hub.example.com/user/alice/gpu/",
		EnvAPIToken:         "tok",
		EnvOAuthScopes:      "access:servers!server=alice/gpu",
		EnvMemLimit:         "2G",
		EnvOAuthCallbackURL: "http://hub.example.com/user/alice/gpu/oauth_callback",
	}
	got := map[string]string{}
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		got[name] = value
	}
	for name, value := range want {
		if got[name] != value {
			t.Fatalf("%s: got %q, want %q", name, got[name], value)
		}
	}
	if _, ok := got[EnvCPULimit]; ok {
		t.Fatal("unset advisory limit must be omitted")
	}
}

func TestBuildEnvShadowsParent(t *testing.T) {
	t.Setenv(EnvAPIToken, "stale-parent-token")

	env := BuildEnv(EnvConfig{User: "alice", APIToken: "fresh"})
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvAPIToken+"=") {
			count++
			if kv != EnvAPIToken+"=fresh" {
				t.Fatalf("parent value leaked: %s", kv)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one %s entry, got %d", EnvAPIToken, count)
	}
}
