package hub

import (
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/domain"
	"github.com/userhub/userhub/internal/scopes"
	"github.com/userhub/userhub/internal/store/sqlite"
)

const (
	defaultShareCodeTTL = 24 * time.Hour
	maxShareCodeTTL     = 90 * 24 * time.Hour
)

var serverNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type userResponse struct {
	Name    string                 `json:"name"`
	Admin   bool                   `json:"admin,omitempty"`
	Groups  []string               `json:"groups,omitempty"`
	Servers []domain.SpawnResponse `json:"servers,omitempty"`
}

func (h *Hub) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/hub/" {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": "userhub", "api": "/hub/api"})
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	active := len(h.servers)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_servers": active,
		"routes":         len(h.table.All()),
	})
}

func (h *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if !h.limiter.allow("login:" + req.Username) {
		writeError(w, http.StatusTooManyRequests, domain.UserMessage(domain.ErrRateLimitExceeded), "rate_limit")
		return
	}

	name := auth.Normalize(req.Username)
	if !h.validator.Valid(name) {
		writeError(w, http.StatusBadRequest, domain.UserMessage(domain.ErrInvalidUsername), "invalid_username")
		return
	}

	id, err := h.authn.Authenticate(r.Context(), auth.Credentials{Username: name, Password: req.Password})
	if err != nil {
		h.log.Error("authenticator error", "user", name, "err", err)
		writeError(w, http.StatusInternalServerError, auth.UserMessage(err), "")
		return
	}
	if id == nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password", "invalid_login")
		return
	}
	if !h.admission.Admit(*id) {
		h.log.Warn("login rejected by admission policy", "user", id.Name)
		writeError(w, http.StatusForbidden, domain.UserMessage(domain.ErrAccessDenied), "not_allowed")
		return
	}

	user, err := h.store.EnsureUser(r.Context(), *id)
	if err != nil {
		h.log.Error("failed to ensure user", "user", id.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if err := h.store.TouchLastLogin(r.Context(), user.Name, time.Now()); err != nil {
		h.log.Warn("failed to record login time", "user", user.Name, "err", err)
	}
	if h.crypt.CanSeal() {
		if len(id.AuthState) > 0 {
			sealed, err := h.crypt.Seal(id.AuthState)
			if err == nil {
				err = h.store.SetAuthState(r.Context(), user.Name, sealed)
			}
			if err != nil {
				h.log.Error("failed to persist auth state", "user", user.Name, "err", err)
			}
		} else {
			h.refreshAuthState(r.Context(), user.Name)
		}
	}

	admin := id.Admin || user.Admin
	token, err := h.sessions.Issue(user.Name, admin, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	h.sessions.SetCookie(w, token)
	h.log.Info("user logged in", "user", user.Name)
	writeJSON(w, http.StatusOK, userResponse{Name: user.Name, Admin: admin, Groups: user.Groups})
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	resp, err := h.userDetail(r, id.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	if _, ok := h.requireSelfOrAdmin(w, r, name); !ok {
		return
	}
	resp, err := h.userDetail(r, name)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "no such user", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) userDetail(r *http.Request, name string) (userResponse, error) {
	user, err := h.store.UserByName(r.Context(), name)
	if err != nil {
		return userResponse{}, err
	}
	servers, err := h.store.ListServersByUser(r.Context(), name)
	if err != nil {
		return userResponse{}, err
	}
	resp := userResponse{Name: user.Name, Admin: user.Admin || slices.Contains(h.cfg.AdminUsers, user.Name), Groups: user.Groups}
	for _, srv := range servers {
		if srv.State == domain.ServerStateStopped {
			continue
		}
		resp.Servers = append(resp.Servers, h.serverResponse(srv))
	}
	return resp, nil
}

func (h *Hub) serverResponse(srv domain.Server) domain.SpawnResponse {
	out := domain.SpawnResponse{
		User:    srv.UserName,
		Server:  srv.Name,
		State:   srv.State,
		Pending: srv.State == domain.ServerStatePendingStart || srv.State == domain.ServerStatePendingStop,
	}
	if srv.State == domain.ServerStateRunning {
		out.URL = RouteSpec(srv.Key())
	}
	return out
}

func (h *Hub) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{Name: u.Name, Admin: u.Admin, Groups: u.Groups})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Hub) serverKeyFromRequest(w http.ResponseWriter, r *http.Request) (domain.ServerKey, bool) {
	key := domain.ServerKey{User: r.PathValue("user"), Server: r.PathValue("server")}
	if key.Server != "" && !serverNamePattern.MatchString(key.Server) {
		writeError(w, http.StatusBadRequest, "invalid server name", "invalid_server_name")
		return key, false
	}
	return key, true
}

func (h *Hub) handleSpawn(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := h.requireSelfOrAdmin(w, r, key.User)
	if !ok {
		return
	}
	if !h.limiter.allow("spawn:" + id.Name) {
		writeError(w, http.StatusTooManyRequests, domain.UserMessage(domain.ErrRateLimitExceeded), "rate_limit")
		return
	}

	var req domain.SpawnRequest
	if !h.readOptionalJSON(w, r, &req) {
		return
	}

	path, err := h.StartServer(r.Context(), key, req.Options)
	if err != nil {
		status := http.StatusInternalServerError
		code := ""
		switch {
		case errors.Is(err, domain.ErrServerLimitReached):
			status, code = http.StatusForbidden, "server_limit"
		case errors.Is(err, domain.ErrSpawnTimeout), errors.Is(err, domain.ErrSpawnFailed):
			status, code = http.StatusBadGateway, "spawn_failed"
		}
		writeError(w, status, domain.UserMessage(err), code)
		return
	}
	writeJSON(w, http.StatusCreated, domain.SpawnResponse{
		User:   key.User,
		Server: key.Server,
		State:  domain.ServerStateRunning,
		URL:    path,
	})
}

func (h *Hub) handleStop(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireSelfOrAdmin(w, r, key.User); !ok {
		return
	}
	if err := h.StopServer(r.Context(), key); err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "server is not running", "not_running")
			return
		}
		writeError(w, http.StatusInternalServerError, domain.UserMessage(err), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if _, ok := h.requireSelfOrAdmin(w, r, user); !ok {
		return
	}
	var req struct {
		Note string `json:"note,omitempty"`
	}
	if !h.readOptionalJSON(w, r, &req) {
		return
	}
	token, err := auth.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	rec, err := h.store.CreateToken(r.Context(), user, auth.HashToken(token, h.cfg.TokenPepper), req.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID, "token": token})
}

func (h *Hub) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if _, ok := h.requireSelfOrAdmin(w, r, user); !ok {
		return
	}
	id := r.PathValue("id")
	tokens, err := h.store.ListTokens(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if !slices.ContainsFunc(tokens, func(t sqlite.APIToken) bool { return t.ID == id }) {
		writeError(w, http.StatusNotFound, "no such token", "")
		return
	}
	hash, err := h.store.RevokeToken(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no such token", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	// Revocation must beat the resolution cache, not wait out its TTL.
	h.identities.Delete(hash)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleGrantShare(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireSelfOrAdmin(w, r, key.User); !ok {
		return
	}
	var req domain.ShareRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	scopeList, ok := h.shareScopes(w, key, req.Scopes)
	if !ok {
		return
	}
	share, err := h.store.CreateShare(r.Context(), key.User, key.Server, auth.Normalize(req.User), strings.TrimSpace(req.Group), scopeList)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_share")
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (h *Hub) handleListShares(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireSelfOrAdmin(w, r, key.User); !ok {
		return
	}
	shares, err := h.store.ListSharesForServer(r.Context(), key.User, key.Server)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (h *Hub) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	shareID := strings.TrimSpace(r.URL.Query().Get("id"))
	if shareID == "" {
		writeError(w, http.StatusBadRequest, "missing share id", "missing_id")
		return
	}
	requester := id.Name
	if id.Admin {
		requester = key.User // admins revoke on the owner's behalf
	}
	if err := h.store.DeleteShare(r.Context(), shareID, requester); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, domain.UserMessage(err), "access_denied")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleSharesForMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	shares, err := h.store.ListSharesForGrantee(r.Context(), id.Name, id.Groups)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (h *Hub) handleCreateShareCode(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireSelfOrAdmin(w, r, key.User); !ok {
		return
	}
	var req domain.ShareCodeRequest
	if !h.readOptionalJSON(w, r, &req) {
		return
	}
	scopeList, ok := h.shareScopes(w, key, req.Scopes)
	if !ok {
		return
	}

	ttl := defaultShareCodeTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}
	if ttl > maxShareCodeTTL {
		writeError(w, http.StatusBadRequest, "expiry too far in the future", "invalid_expiry")
		return
	}
	maxExchanges := req.MaxExchanges
	if maxExchanges == 0 {
		maxExchanges = -1
	}

	code, err := auth.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	rec, err := h.store.CreateShareCode(r.Context(), key.User, key.Server,
		auth.HashToken(code, h.cfg.TokenPepper), scopeList, time.Now().Add(ttl), maxExchanges)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	rec.Code = code
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Hub) handleRedeemShareCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "missing code", "missing_code")
		return
	}
	share, err := h.store.RedeemShareCode(r.Context(),
		auth.HashToken(strings.TrimSpace(req.Code), h.cfg.TokenPepper), id.Name, time.Now())
	if err != nil {
		if errors.Is(err, domain.ErrShareCodeInvalid) {
			writeError(w, http.StatusForbidden, domain.UserMessage(err), "invalid_code")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	h.log.Info("share code redeemed", "server", share.Server, "user", id.Name)
	writeJSON(w, http.StatusOK, share)
}

// shareScopes validates requested scopes against the server being shared,
// falling back to the default access scope when none are requested.
func (h *Hub) shareScopes(w http.ResponseWriter, key domain.ServerKey, requested []string) ([]string, bool) {
	if len(requested) == 0 {
		return scopes.DefaultShareScopes(key.User, key.Server), true
	}
	parsed, err := scopes.ParseAll(requested)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_scopes")
		return nil, false
	}
	ref := key.String()
	for _, sc := range parsed {
		if sc.Filter == scopes.FilterServer && sc.Value != ref {
			writeError(w, http.StatusBadRequest, "scope filter does not match the shared server", "invalid_scopes")
			return nil, false
		}
	}
	return parsed.Strings(), true
}

func (h *Hub) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.table.All())
}

// handleProxyMiss is the proxy fallthrough: a /user/ path with no live
// route means the server is not running; anything else is unknown.
func (h *Hub) handleProxyMiss(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		http.Redirect(w, r, "/hub/", http.StatusFound)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/user/") {
		writeError(w, http.StatusServiceUnavailable, domain.UserMessage(domain.ErrNotRunning), "not_running")
		return
	}
	writeError(w, http.StatusNotFound, "not found", "")
}
