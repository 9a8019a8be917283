// Package hub is the orchestrator: it authenticates users, admits them,
// starts and stops their servers through a spawner, and keeps the proxy
// routing table in sync with what is actually running.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/auth/authstate"
	"github.com/userhub/userhub/internal/config"
	"github.com/userhub/userhub/internal/domain"
	"github.com/userhub/userhub/internal/proxy"
	"github.com/userhub/userhub/internal/spawner"
	"github.com/userhub/userhub/internal/store/sqlite"
)

const (
	identityCacheTTL   = 30 * time.Second
	identityCacheSweep = time.Minute
	shareCodePurgeMax  = 500
)

type Hub struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	table     *proxy.Table
	authn     auth.Authenticator
	admission auth.Admission
	sessions  *auth.Sessions
	validator *auth.UsernameValidator
	crypt     *authstate.Crypt
	factory   spawner.Factory
	baseURL   *url.URL

	mu      sync.Mutex
	servers map[domain.ServerKey]*serverOp

	identities *cache.Cache
	limiter    *rateLimiter
}

func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, factory spawner.Factory) (*Hub, error) {
	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewUsernameValidator(cfg.UsernamePattern)
	if err != nil {
		return nil, err
	}
	crypt, err := authstate.New(cfg.CryptKeys)
	if err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	h := &Hub{
		cfg:        cfg,
		store:      store,
		log:        logger,
		table:      proxy.NewTable(),
		authn:      auth.NewPasswordAuthenticator(store),
		admission:  auth.NewAdmission(cfg.AllowAll, cfg.AllowAdmins, cfg.AllowedUsers, cfg.AllowedGroups, cfg.BlockedUsers),
		sessions:   sessions,
		validator:  validator,
		crypt:      crypt,
		factory:    factory,
		baseURL:    baseURL,
		servers:    map[domain.ServerKey]*serverOp{},
		identities: cache.New(identityCacheTTL, identityCacheSweep),
		limiter:    newRateLimiter(),
	}
	return h, nil
}

// SetAuthenticator swaps the identity backend. The default is password
// authentication against the hub's own user table.
func (h *Hub) SetAuthenticator(a auth.Authenticator) {
	h.authn = a
}

// Table exposes the routing table, mainly for tests and maintenance.
func (h *Hub) Table() *proxy.Table {
	return h.table
}

// Handler assembles the full HTTP surface: hub pages and API under /hub/,
// everything else offered to the proxy table with an access gate in front.
func (h *Hub) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /hub/health", h.handleHealth)
	api.HandleFunc("GET /hub/", h.handleRoot)
	api.HandleFunc("POST /hub/login", h.handleLogin)
	api.HandleFunc("POST /hub/logout", h.handleLogout)

	api.HandleFunc("GET /hub/api/user", h.handleCurrentUser)
	api.HandleFunc("GET /hub/api/users", h.handleListUsers)
	api.HandleFunc("GET /hub/api/users/{user}", h.handleGetUser)

	api.HandleFunc("POST /hub/api/users/{user}/server", h.handleSpawn)
	api.HandleFunc("DELETE /hub/api/users/{user}/server", h.handleStop)
	api.HandleFunc("POST /hub/api/users/{user}/servers/{server}", h.handleSpawn)
	api.HandleFunc("DELETE /hub/api/users/{user}/servers/{server}", h.handleStop)
	api.HandleFunc("GET /hub/api/users/{user}/server/progress", h.handleProgress)
	api.HandleFunc("GET /hub/api/users/{user}/servers/{server}/progress", h.handleProgress)

	api.HandleFunc("POST /hub/api/users/{user}/tokens", h.handleCreateToken)
	api.HandleFunc("DELETE /hub/api/users/{user}/tokens/{id}", h.handleRevokeToken)

	api.HandleFunc("GET /hub/api/shares/{user}", h.handleListShares)
	api.HandleFunc("POST /hub/api/shares/{user}", h.handleGrantShare)
	api.HandleFunc("DELETE /hub/api/shares/{user}", h.handleRevokeShare)
	api.HandleFunc("GET /hub/api/shares/{user}/{server}", h.handleListShares)
	api.HandleFunc("POST /hub/api/shares/{user}/{server}", h.handleGrantShare)
	api.HandleFunc("DELETE /hub/api/shares/{user}/{server}", h.handleRevokeShare)
	api.HandleFunc("GET /hub/api/user/shares", h.handleSharesForMe)

	api.HandleFunc("POST /hub/api/share-codes/{user}", h.handleCreateShareCode)
	api.HandleFunc("POST /hub/api/share-codes/{user}/{server}", h.handleCreateShareCode)
	api.HandleFunc("POST /hub/api/share-codes/redeem", h.handleRedeemShareCode)

	api.HandleFunc("GET /hub/api/routes", h.handleListRoutes)

	proxied := proxy.NewHandler(h.table, http.HandlerFunc(h.handleProxyMiss), h.log)

	root := http.NewServeMux()
	root.Handle("/hub/", api)
	root.Handle("/", h.serverGate(proxied))
	return root
}

// Run reconciles persisted state against live processes, starts the
// janitor, and serves HTTP until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile servers: %w", err)
	}

	go h.runJanitor(ctx)

	httpServer := &http.Server{
		Addr:              h.cfg.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("starting hub server", "addr", h.cfg.Listen, "base_url", h.cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hub server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return shutdownServer(httpServer, 5*time.Second)
	case err := <-errCh:
		_ = shutdownServer(httpServer, 5*time.Second)
		return err
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
