package spawner

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Environment variable names handed to every spawned backend. These are a
// stable contract: backends and their launcher wrappers key off the exact
// names.
const (
	EnvUser             = "USERHUB_USER"
	EnvServerName       = "USERHUB_SERVER_NAME"
	EnvServiceURL       = "USERHUB_SERVICE_URL"
	EnvBaseURL          = "USERHUB_BASE_URL"
	EnvAPIURL           = "USERHUB_API_URL"
	EnvAPIToken         = "USERHUB_API_TOKEN"
	EnvOAuthClientID    = "USERHUB_OAUTH_CLIENT_ID"
	EnvOAuthCallbackURL = "USERHUB_OAUTH_CALLBACK_URL"
	EnvOAuthScopes      = "USERHUB_OAUTH_SCOPES"
	EnvMemLimit         = "USERHUB_MEM_LIMIT"
	EnvCPULimit         = "USERHUB_CPU_LIMIT"
	EnvMemGuarantee     = "USERHUB_MEM_GUARANTEE"
	EnvCPUGuarantee     = "USERHUB_CPU_GUARANTEE"
)

// EnvConfig is the input to [BuildEnv]. Limits and guarantees are advisory
// hints only; the hub does not enforce them.
type EnvConfig struct {
	User             string
	ServerName       string
	ServiceURL       string
	BaseURL          string
	APIURL           string
	APIToken         string // doubles as the backend's OAuth client secret
	OAuthClientID    string
	OAuthCallbackURL string
	OAuthScopes      []string
	MemLimit         string
	CPULimit         string
	MemGuarantee     string
	CPUGuarantee     string
}

// BuildEnv composes the process environment for a spawned backend: the
// hub's handoff variables layered over the parent environment. Empty
// optional values are omitted.
func BuildEnv(cfg EnvConfig) []string {
	vars := map[string]string{
		EnvUser:             cfg.User,
		EnvServerName:       cfg.ServerName,
		EnvServiceURL:       cfg.ServiceURL,
		EnvBaseURL:          cfg.BaseURL,
		EnvAPIURL:           cfg.APIURL,
		EnvAPIToken:         cfg.APIToken,
		EnvOAuthClientID:    cfg.OAuthClientID,
		EnvOAuthCallbackURL: cfg.OAuthCallbackURL,
		EnvOAuthScopes:      strings.Join(cfg.OAuthScopes, " "),
		EnvMemLimit:         cfg.MemLimit,
		EnvCPULimit:         cfg.CPULimit,
		EnvMemGuarantee:     cfg.MemGuarantee,
		EnvCPUGuarantee:     cfg.CPUGuarantee,
	}

	env := make([]string, 0, len(os.Environ())+len(vars))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if _, shadowed := vars[name]; shadowed {
			continue
		}
		env = append(env, kv)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if vars[name] == "" && name != EnvServerName {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", name, vars[name]))
	}
	return env
}
