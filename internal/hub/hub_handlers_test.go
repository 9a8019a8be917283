package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/auth/authstate"
	"github.com/userhub/userhub/internal/domain"
)

func createTestUser(t *testing.T, h *Hub, name, password string, admin bool) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.CreateUser(context.Background(), name, admin, hash); err != nil {
		t.Fatal(err)
	}
}

func login(t *testing.T, handler http.Handler, username, password string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/hub/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func doJSON(handler http.Handler, method, path string, cookie *http.Cookie, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestLoginLogoutAndCurrentUser(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9200")
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "correct horse", false)

	// Wrong password is a 401, not an error leak.
	body, _ := json.Marshal(domain.LoginRequest{Username: "alice", Password: "wrong"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/hub/login", bytes.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: got %d", rr.Code)
	}

	cookie := login(t, handler, "alice", "correct horse")

	rr = doJSON(handler, http.MethodGet, "/hub/api/user", cookie, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("current user: %d %s", rr.Code, rr.Body.String())
	}
	var user userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &user); err != nil {
		t.Fatal(err)
	}
	if user.Name != "alice" {
		t.Fatalf("user = %+v", user)
	}

	rr = doJSON(handler, http.MethodGet, "/hub/api/user", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous current user: %d", rr.Code)
	}
}

func TestLoginAdmissionPolicy(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9201")
	h := testHub(t, testConfig(t, "--allowed-users", "alice", "--blocked-users", "mallory"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "mallory", "pw123456", false)
	createTestUser(t, h, "bob", "pw123456", false)

	for _, tc := range []struct {
		user string
		want int
	}{
		{"mallory", http.StatusForbidden}, // blocked
		{"bob", http.StatusForbidden},     // not in allow list
	} {
		body, _ := json.Marshal(domain.LoginRequest{Username: tc.user, Password: "pw123456"})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/hub/login", bytes.NewReader(body)))
		if rr.Code != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.user, rr.Code, tc.want)
		}
	}
}

func TestSpawnAndProxyEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "backend saw %s", r.URL.Path)
	}))
	defer backend.Close()

	factory := newFakeFactory(backend.URL)
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	createTestUser(t, h, "bob", "pw123456", false)
	alice := login(t, handler, "alice", "pw123456")
	bob := login(t, handler, "bob", "pw123456")

	// Bob cannot start alice's server.
	rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/server", bob, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bob spawning for alice: %d", rr.Code)
	}

	rr = doJSON(handler, http.MethodPost, "/hub/api/users/alice/server", alice, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("spawn: %d %s", rr.Code, rr.Body.String())
	}
	var spawned domain.SpawnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &spawned); err != nil {
		t.Fatal(err)
	}
	if spawned.URL != "/user/alice/" || spawned.State != domain.ServerStateRunning {
		t.Fatalf("spawn response %+v", spawned)
	}

	// Alice reaches her server through the proxy, path preserved.
	rr = doJSON(handler, http.MethodGet, "/user/alice/lab/tree", alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("proxied request: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "/user/alice/lab/tree") {
		t.Fatalf("backend path lost: %s", rr.Body.String())
	}

	// Bob is rejected, anonymous is asked to authenticate.
	rr = doJSON(handler, http.MethodGet, "/user/alice/", bob, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bob proxied request: %d", rr.Code)
	}
	rr = doJSON(handler, http.MethodGet, "/user/alice/", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous proxied request: %d", rr.Code)
	}

	// Stop removes the route; the path then reports not running.
	rr = doJSON(handler, http.MethodDelete, "/hub/api/users/alice/server", alice, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("stop: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(handler, http.MethodGet, "/user/alice/", alice, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped server request: %d", rr.Code)
	}
}

func TestShareGrantsProxyAccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	factory := newFakeFactory(backend.URL)
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	createTestUser(t, h, "bob", "pw123456", false)
	alice := login(t, handler, "alice", "pw123456")
	bob := login(t, handler, "bob", "pw123456")

	if rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/server", alice, nil); rr.Code != http.StatusCreated {
		t.Fatalf("spawn: %d", rr.Code)
	}
	if rr := doJSON(handler, http.MethodGet, "/user/alice/", bob, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("unshared access: %d", rr.Code)
	}

	rr := doJSON(handler, http.MethodPost, "/hub/api/shares/alice", alice, domain.ShareRequest{User: "bob"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant share: %d %s", rr.Code, rr.Body.String())
	}
	var share domain.Share
	if err := json.Unmarshal(rr.Body.Bytes(), &share); err != nil {
		t.Fatal(err)
	}

	if rr := doJSON(handler, http.MethodGet, "/user/alice/", bob, nil); rr.Code != http.StatusOK {
		t.Fatalf("shared access: %d %s", rr.Code, rr.Body.String())
	}

	// Bob sees the share on his own listing and may revoke it himself.
	rr = doJSON(handler, http.MethodGet, "/hub/api/user/shares", bob, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), share.ID) {
		t.Fatalf("grantee listing: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(handler, http.MethodDelete, "/hub/api/shares/alice?id="+share.ID, bob, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(handler, http.MethodGet, "/user/alice/", bob, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("access after revoke: %d", rr.Code)
	}
}

func TestShareCodeFlow(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	factory := newFakeFactory(backend.URL)
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	createTestUser(t, h, "bob", "pw123456", false)
	createTestUser(t, h, "carol", "pw123456", false)
	alice := login(t, handler, "alice", "pw123456")
	bob := login(t, handler, "bob", "pw123456")
	carol := login(t, handler, "carol", "pw123456")

	if rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/server", alice, nil); rr.Code != http.StatusCreated {
		t.Fatalf("spawn: %d", rr.Code)
	}

	rr := doJSON(handler, http.MethodPost, "/hub/api/share-codes/alice", alice, domain.ShareCodeRequest{MaxExchanges: 1})
	if rr.Code != http.StatusCreated {
		t.Fatalf("mint code: %d %s", rr.Code, rr.Body.String())
	}
	var code domain.ShareCode
	if err := json.Unmarshal(rr.Body.Bytes(), &code); err != nil {
		t.Fatal(err)
	}
	if code.Code == "" {
		t.Fatal("code not returned on creation")
	}

	redeem := map[string]string{"code": code.Code}
	if rr := doJSON(handler, http.MethodPost, "/hub/api/share-codes/redeem", bob, redeem); rr.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(handler, http.MethodGet, "/user/alice/", bob, nil); rr.Code != http.StatusOK {
		t.Fatalf("access after redeem: %d", rr.Code)
	}

	// The exchange budget is spent; carol gets nothing.
	if rr := doJSON(handler, http.MethodPost, "/hub/api/share-codes/redeem", carol, redeem); rr.Code != http.StatusForbidden {
		t.Fatalf("exhausted redeem: %d %s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(handler, http.MethodGet, "/user/alice/", carol, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("carol access: %d", rr.Code)
	}
}

func TestAPITokenAuth(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9202")
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	alice := login(t, handler, "alice", "pw123456")

	rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/tokens", alice, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("mint token: %d %s", rr.Code, rr.Body.String())
	}
	var minted map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &minted); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/hub/api/user", nil)
	req.Header.Set("Authorization", "Bearer "+minted["token"])
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alice") {
		t.Fatalf("token auth: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/hub/api/user", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token: %d", rec.Code)
	}
}

func TestTokenRevocationTakesEffectImmediately(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9208")
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	createTestUser(t, h, "bob", "pw123456", false)
	alice := login(t, handler, "alice", "pw123456")
	bob := login(t, handler, "bob", "pw123456")

	rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/tokens", alice, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("mint token: %d %s", rr.Code, rr.Body.String())
	}
	var minted map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &minted); err != nil {
		t.Fatal(err)
	}

	bearer := func() int {
		req := httptest.NewRequest(http.MethodGet, "/hub/api/user", nil)
		req.Header.Set("Authorization", "Bearer "+minted["token"])
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	// Prime the token resolution cache.
	if code := bearer(); code != http.StatusOK {
		t.Fatalf("token auth: %d", code)
	}

	// Bob cannot revoke alice's token.
	rr = doJSON(handler, http.MethodDelete, "/hub/api/users/alice/tokens/"+minted["id"], bob, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign revoke: %d", rr.Code)
	}

	rr = doJSON(handler, http.MethodDelete, "/hub/api/users/alice/tokens/"+minted["id"], alice, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
	// The cached resolution is gone along with the token.
	if code := bearer(); code != http.StatusUnauthorized {
		t.Fatalf("revoked token still resolves: %d", code)
	}
	rr = doJSON(handler, http.MethodDelete, "/hub/api/users/alice/tokens/"+minted["id"], alice, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("double revoke: %d", rr.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9203")
	h := testHub(t, testConfig(t, "--allow-all"), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)
	createTestUser(t, h, "root", "pw123456", true)
	alice := login(t, handler, "alice", "pw123456")
	root := login(t, handler, "root", "pw123456")

	if rr := doJSON(handler, http.MethodGet, "/hub/api/users", alice, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin user list: %d", rr.Code)
	}
	if rr := doJSON(handler, http.MethodGet, "/hub/api/routes", alice, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin route list: %d", rr.Code)
	}

	rr := doJSON(handler, http.MethodGet, "/hub/api/users", root, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "alice") {
		t.Fatalf("admin user list: %d %s", rr.Code, rr.Body.String())
	}

	// Admins may manage other users' servers.
	if rr := doJSON(handler, http.MethodPost, "/hub/api/users/alice/server", root, nil); rr.Code != http.StatusCreated {
		t.Fatalf("admin spawn: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(handler, http.MethodGet, "/hub/api/routes", root, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/user/alice/") {
		t.Fatalf("admin route list: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9204")
	h := testHub(t, testConfig(t), factory.new)
	handler := h.Handler()

	rr := doJSON(handler, http.MethodGet, "/hub/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != "ok" {
		t.Fatalf("health body %v", status)
	}
}

func TestLoginResealsAuthStateUnderNewestKey(t *testing.T) {
	oldKey, err := authstate.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	newKey, err := authstate.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	factory := newFakeFactory("http://127.0.0.1:9206")
	h := testHub(t, testConfig(t, "--allow-all", "--crypt-keys", newKey+","+oldKey), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)

	oldCrypt, err := authstate.New([]string{oldKey})
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"refresh_token":"r1"}`)
	sealed, err := oldCrypt.Seal(plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetAuthState(context.Background(), "alice", sealed); err != nil {
		t.Fatal(err)
	}

	login(t, handler, "alice", "pw123456")

	stored, err := h.store.AuthState(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(stored, sealed) {
		t.Fatal("auth state not resealed on login")
	}
	newOnly, err := authstate.New([]string{newKey})
	if err != nil {
		t.Fatal(err)
	}
	got, err := newOnly.Open(stored)
	if err != nil {
		t.Fatalf("resealed blob does not open under the newest key: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("resealed blob = %q, want %q", got, plain)
	}
}

func TestLoginDiscardsUndecryptableAuthState(t *testing.T) {
	removedKey, err := authstate.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	liveKey, err := authstate.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	factory := newFakeFactory("http://127.0.0.1:9207")
	h := testHub(t, testConfig(t, "--allow-all", "--crypt-keys", liveKey), factory.new)
	handler := h.Handler()
	createTestUser(t, h, "alice", "pw123456", false)

	removedCrypt, err := authstate.New([]string{removedKey})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := removedCrypt.Seal([]byte(`{"refresh_token":"stale"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetAuthState(context.Background(), "alice", sealed); err != nil {
		t.Fatal(err)
	}

	// Login must still succeed; the unreadable blob is dropped, not fatal.
	login(t, handler, "alice", "pw123456")

	stored, err := h.store.AuthState(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Fatal("auth state sealed with a removed key was kept")
	}
}

func TestProxyMissFallbacks(t *testing.T) {
	factory := newFakeFactory("http://127.0.0.1:9205")
	h := testHub(t, testConfig(t), factory.new)
	handler := h.Handler()

	rr := doJSON(handler, http.MethodGet, "/", nil, nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("root redirect: %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/hub/" {
		t.Fatalf("redirect target %q", loc)
	}
	rr = doJSON(handler, http.MethodGet, "/nothing/here", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path: %d", rr.Code)
	}
}
