package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ServerConfig struct {
	Listen           string
	DBPath           string
	BaseURL          string
	TokenPepper      string
	SessionSecret    string
	SessionTTL       time.Duration
	CryptKeys        []string
	AllowAll         bool
	AllowAdmins      bool
	AllowedUsers     []string
	AllowedGroups    []string
	BlockedUsers     []string
	AdminUsers       []string
	UsernamePattern  string
	SpawnCommand     string
	SpawnIP          string
	SpawnTimeout     time.Duration
	StopTimeout      time.Duration
	IdleCullTimeout  time.Duration
	CullInterval     time.Duration
	NamedServerLimit int
	PprofListen      string
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	LogLevel         string
	LogFormat        string
}

const defaultListen = ":8000"
const defaultDBPath = "./userhub.db"
const defaultBaseURL = "http://127.0.0.1:8000"
const defaultSessionTTL = 14 * 24 * time.Hour
const defaultSpawnCommand = "userhub-singleuser --port {port}"
const defaultSpawnIP = "127.0.0.1"
const defaultSpawnTimeout = 60 * time.Second
const defaultStopTimeout = 10 * time.Second
const defaultCullInterval = 5 * time.Minute
const defaultNamedServerLimit = 0 // unlimited

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:           envOrDefault("USERHUB_LISTEN", defaultListen),
		DBPath:           envOrDefault("USERHUB_DB_PATH", defaultDBPath),
		BaseURL:          envOrDefault("USERHUB_BASE_URL", defaultBaseURL),
		TokenPepper:      envOrDefault("USERHUB_TOKEN_PEPPER", ""),
		SessionSecret:    envOrDefault("USERHUB_SESSION_SECRET", ""),
		SessionTTL:       defaultSessionTTL,
		CryptKeys:        splitList(os.Getenv("USERHUB_CRYPT_KEYS")),
		AllowAll:         envBoolOrDefault("USERHUB_ALLOW_ALL", false),
		AllowAdmins:      envBoolOrDefault("USERHUB_ALLOW_ADMINS", true),
		AllowedUsers:     splitList(os.Getenv("USERHUB_ALLOWED_USERS")),
		AllowedGroups:    splitList(os.Getenv("USERHUB_ALLOWED_GROUPS")),
		BlockedUsers:     splitList(os.Getenv("USERHUB_BLOCKED_USERS")),
		AdminUsers:       splitList(os.Getenv("USERHUB_ADMIN_USERS")),
		UsernamePattern:  envOrDefault("USERHUB_USERNAME_PATTERN", ""),
		SpawnCommand:     envOrDefault("USERHUB_SPAWN_COMMAND", defaultSpawnCommand),
		SpawnIP:          envOrDefault("USERHUB_SPAWN_IP", defaultSpawnIP),
		SpawnTimeout:     envDurationOrDefault("USERHUB_SPAWN_TIMEOUT", defaultSpawnTimeout),
		StopTimeout:      envDurationOrDefault("USERHUB_STOP_TIMEOUT", defaultStopTimeout),
		IdleCullTimeout:  envDurationOrDefault("USERHUB_IDLE_CULL_TIMEOUT", 0),
		CullInterval:     envDurationOrDefault("USERHUB_CULL_INTERVAL", defaultCullInterval),
		NamedServerLimit: envIntOrDefault("USERHUB_NAMED_SERVER_LIMIT", defaultNamedServerLimit),
		PprofListen:      envOrDefault("USERHUB_PPROF_LISTEN", ""),
		RequestTimeout:   30 * time.Second,
		MaxBodyBytes:     1 * 1024 * 1024,
		LogLevel:         envOrDefault("USERHUB_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("USERHUB_LOG_FORMAT", "text"),
	}

	var allowedUsers, allowedGroups, blockedUsers, adminUsers, cryptKeys string

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Public base URL of the hub")
	fs.StringVar(&cfg.TokenPepper, "token-pepper", cfg.TokenPepper, "API token hash pepper")
	fs.StringVar(&cfg.SessionSecret, "session-secret", cfg.SessionSecret, "Session cookie signing secret")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Login session lifetime")
	fs.StringVar(&cryptKeys, "crypt-keys", "", "Comma-separated auth state encryption keys, first is active")
	fs.BoolVar(&cfg.AllowAll, "allow-all", cfg.AllowAll, "Admit any authenticated user")
	fs.BoolVar(&cfg.AllowAdmins, "allow-admins", cfg.AllowAdmins, "Admit admin users regardless of allow lists")
	fs.StringVar(&allowedUsers, "allowed-users", "", "Comma-separated allowed usernames")
	fs.StringVar(&allowedGroups, "allowed-groups", "", "Comma-separated allowed groups")
	fs.StringVar(&blockedUsers, "blocked-users", "", "Comma-separated blocked usernames")
	fs.StringVar(&adminUsers, "admin-users", "", "Comma-separated admin usernames")
	fs.StringVar(&cfg.UsernamePattern, "username-pattern", cfg.UsernamePattern, "Username validation regexp (optional)")
	fs.StringVar(&cfg.SpawnCommand, "spawn-command", cfg.SpawnCommand, "Single-user server command, {port} is substituted")
	fs.StringVar(&cfg.SpawnIP, "spawn-ip", cfg.SpawnIP, "IP single-user servers bind to")
	fs.DurationVar(&cfg.SpawnTimeout, "spawn-timeout", cfg.SpawnTimeout, "Maximum wait for a server to become reachable")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Graceful stop wait before force kill")
	fs.DurationVar(&cfg.IdleCullTimeout, "idle-cull-timeout", cfg.IdleCullTimeout, "Stop servers idle longer than this (0 disables)")
	fs.DurationVar(&cfg.CullInterval, "cull-interval", cfg.CullInterval, "Idle cull check interval")
	fs.IntVar(&cfg.NamedServerLimit, "named-server-limit", cfg.NamedServerLimit, "Max named servers per user (0 = unlimited)")
	fs.StringVar(&cfg.PprofListen, "pprof", cfg.PprofListen, "Optional pprof listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if allowedUsers != "" {
		cfg.AllowedUsers = splitList(allowedUsers)
	}
	if allowedGroups != "" {
		cfg.AllowedGroups = splitList(allowedGroups)
	}
	if blockedUsers != "" {
		cfg.BlockedUsers = splitList(blockedUsers)
	}
	if adminUsers != "" {
		cfg.AdminUsers = splitList(adminUsers)
	}
	if cryptKeys != "" {
		cfg.CryptKeys = splitList(cryptKeys)
	}

	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return cfg, errors.New("missing --base-url or USERHUB_BASE_URL")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return cfg, errors.New("base URL must start with http:// or https://")
	}
	if cfg.SessionSecret == "" {
		return cfg, errors.New("missing --session-secret or USERHUB_SESSION_SECRET")
	}
	if cfg.SessionTTL <= 0 {
		return cfg, errors.New("session TTL must be > 0")
	}
	if cfg.UsernamePattern != "" {
		if _, err := regexp.Compile(cfg.UsernamePattern); err != nil {
			return cfg, fmt.Errorf("invalid username pattern: %w", err)
		}
	}
	if !strings.Contains(cfg.SpawnCommand, "{port}") {
		return cfg, errors.New("spawn command must contain a {port} placeholder")
	}
	if cfg.SpawnTimeout <= 0 {
		return cfg, errors.New("spawn timeout must be > 0")
	}
	if cfg.StopTimeout <= 0 {
		return cfg, errors.New("stop timeout must be > 0")
	}
	if cfg.IdleCullTimeout < 0 {
		return cfg, errors.New("idle cull timeout must be >= 0")
	}
	if cfg.CullInterval <= 0 {
		return cfg, errors.New("cull interval must be > 0")
	}
	if cfg.NamedServerLimit < 0 {
		return cfg, errors.New("named server limit must be >= 0")
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return cfg, errors.New("log format must be one of: text, json")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
