package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/patrickmn/go-cache"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/domain"
	"github.com/userhub/userhub/internal/scopes"
)

// identify resolves the requester from a bearer API token or a session
// cookie. A nil identity with nil error means unauthenticated.
func (h *Hub) identify(r *http.Request) (*domain.Identity, error) {
	if token := bearerToken(r); token != "" {
		return h.identifyToken(r.Context(), token)
	}
	claims := h.sessions.FromRequest(r)
	if claims == nil {
		return nil, nil
	}
	return h.identityForName(r.Context(), claims.Username)
}

func (h *Hub) identifyToken(ctx context.Context, token string) (*domain.Identity, error) {
	hash := auth.HashToken(token, h.cfg.TokenPepper)
	if cached, ok := h.identities.Get(hash); ok {
		id := cached.(domain.Identity)
		return &id, nil
	}
	name, err := h.store.ResolveToken(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrAccessDenied) {
			return nil, nil
		}
		return nil, err
	}
	id, err := h.identityForName(ctx, name)
	if err != nil || id == nil {
		return id, err
	}
	h.identities.Set(hash, *id, cache.DefaultExpiration)
	return id, nil
}

func (h *Hub) identityForName(ctx context.Context, name string) (*domain.Identity, error) {
	user, err := h.store.UserByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, nil
		}
		return nil, err
	}
	id := domain.Identity{
		Name:   user.Name,
		Admin:  user.Admin || slices.Contains(h.cfg.AdminUsers, user.Name),
		Groups: user.Groups,
		Roles:  user.Roles,
	}
	return &id, nil
}

// refreshAuthState re-seals a stored auth-state blob under the newest key
// so rotated-out keys can eventually be dropped from the list. A blob no
// configured key can open is discarded; the provider supplies fresh state
// on the next authentication that carries one.
func (h *Hub) refreshAuthState(ctx context.Context, name string) {
	sealed, err := h.store.AuthState(ctx, name)
	if err != nil || len(sealed) == 0 {
		return
	}
	plain, err := h.crypt.Open(sealed)
	if err != nil {
		h.log.Warn("discarding auth state sealed with a removed key", "user", name, "err", err)
		if err := h.store.SetAuthState(ctx, name, nil); err != nil {
			h.log.Error("failed to clear auth state", "user", name, "err", err)
		}
		return
	}
	resealed, err := h.crypt.Seal(plain)
	if err == nil {
		err = h.store.SetAuthState(ctx, name, resealed)
	}
	if err != nil {
		h.log.Error("failed to refresh auth state", "user", name, "err", err)
	}
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

// requireIdentity terminates the request with 401 when unauthenticated.
func (h *Hub) requireIdentity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, err := h.identify(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return domain.Identity{}, false
	}
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "")
		return domain.Identity{}, false
	}
	return *id, true
}

// requireSelfOrAdmin additionally checks that the requester is the named
// user or an admin.
func (h *Hub) requireSelfOrAdmin(w http.ResponseWriter, r *http.Request, user string) (domain.Identity, bool) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return domain.Identity{}, false
	}
	if id.Name != user && !id.Admin {
		writeError(w, http.StatusForbidden, domain.UserMessage(domain.ErrAccessDenied), "access_denied")
		return domain.Identity{}, false
	}
	return id, true
}

func (h *Hub) requireAdmin(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := h.requireIdentity(w, r)
	if !ok {
		return domain.Identity{}, false
	}
	if !id.Admin {
		writeError(w, http.StatusForbidden, domain.UserMessage(domain.ErrAccessDenied), "access_denied")
		return domain.Identity{}, false
	}
	return id, true
}

// serverGate fronts the proxy: requests under /user/ are only forwarded
// for the owner, an admin, or a grantee holding a matching share scope.
func (h *Hub) serverGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := h.resolveServerKey(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		id, err := h.identify(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		if id == nil {
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}
		if err := h.authorizeServerAccess(r.Context(), *id, key); err != nil {
			writeError(w, http.StatusForbidden, domain.UserMessage(err), "access_denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveServerKey maps a request path to the server it would reach. A
// named server wins over the default server only when its route exists.
func (h *Hub) resolveServerKey(path string) (domain.ServerKey, bool) {
	rest, ok := strings.CutPrefix(path, "/user/")
	if !ok {
		return domain.ServerKey{}, false
	}
	owner, rest, _ := strings.Cut(rest, "/")
	if owner == "" {
		return domain.ServerKey{}, false
	}
	if first, _, _ := strings.Cut(rest, "/"); first != "" {
		spec := "/user/" + owner + "/" + first + "/"
		if _, routed := h.table.Get(spec); routed {
			return domain.ServerKey{User: owner, Server: first}, true
		}
	}
	return domain.ServerKey{User: owner}, true
}

// authorizeServerAccess enforces server-level access: owner and admin
// always pass, anyone else needs a share whose scopes cover the server.
func (h *Hub) authorizeServerAccess(ctx context.Context, id domain.Identity, key domain.ServerKey) error {
	if id.Name == key.User || id.Admin {
		return nil
	}
	shares, err := h.store.ListSharesForGrantee(ctx, id.Name, id.Groups)
	if err != nil {
		return err
	}
	required := scopes.AccessServer(key.User, key.Server)
	for _, share := range shares {
		granted, err := scopes.ParseAll(share.Scopes)
		if err != nil {
			h.log.Warn("skipping share with malformed scopes", "share", share.ID, "err", err)
			continue
		}
		if granted.Allows(required) {
			return nil
		}
	}
	return domain.ErrAccessDenied
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func (h *Hub) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "invalid_json")
		return false
	}
	return true
}

// readOptionalJSON is readJSON that tolerates an empty request body.
func (h *Hub) readOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json", "invalid_json")
		return false
	}
	return true
}
