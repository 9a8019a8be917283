package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUserLifecycle(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.UserByName(ctx, "alice"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if _, err := store.CreateUser(ctx, "alice", true, "hash-1"); err != nil {
		t.Fatal(err)
	}
	u, err := store.UserByName(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Admin || u.Name != "alice" {
		t.Fatalf("unexpected user %+v", u)
	}

	hash, err := store.UserPasswordHash(ctx, "alice")
	if err != nil || hash != "hash-1" {
		t.Fatalf("hash %q err %v", hash, err)
	}

	if err := store.SetUserGroups(ctx, "alice", []string{"research", "staff"}); err != nil {
		t.Fatal(err)
	}
	u, _ = store.UserByName(ctx, "alice")
	if len(u.Groups) != 2 || u.Groups[0] != "research" {
		t.Fatalf("groups not persisted: %v", u.Groups)
	}

	// EnsureUser is idempotent and creates on first login.
	if _, err := store.EnsureUser(ctx, domain.Identity{Name: "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnsureUser(ctx, domain.Identity{Name: "bob"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UserByName(ctx, "alice"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected deletion, got %v", err)
	}
}

func TestAuthStateBlobStorage(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "alice", false, ""); err != nil {
		t.Fatal(err)
	}

	sealed := []byte{0x01, 0x02, 0x03}
	if err := store.SetAuthState(ctx, "alice", sealed); err != nil {
		t.Fatal(err)
	}
	got, err := store.AuthState(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(sealed) {
		t.Fatalf("blob mismatch: %v", got)
	}

	if err := store.SetAuthState(ctx, "ghost", sealed); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestServerUpsertAndState(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	key := domain.ServerKey{User: "alice", Server: "gpu"}

	if _, err := store.ServerByKey(ctx, key); !errors.Is(err, domain.ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}

	if _, err := store.UpsertServer(ctx, domain.Server{
		UserName: "alice", Name: "gpu", State: domain.ServerStatePendingStart,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetServerState(ctx, key, domain.ServerStateRunning, "http://127.0.0.1:9000"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetServerStateBlob(ctx, key, []byte(`{"pid":42}`)); err != nil {
		t.Fatal(err)
	}

	srv, err := store.ServerByKey(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if srv.State != domain.ServerStateRunning || srv.URL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected server %+v", srv)
	}
	if string(srv.StateBlob) != `{"pid":42}` {
		t.Fatalf("state blob lost: %s", srv.StateBlob)
	}
	if srv.StartedAt == nil {
		t.Fatal("expected started_at")
	}

	active, err := store.ListActiveServers(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active %v err %v", active, err)
	}

	// Stop clears url and blob.
	if err := store.SetServerState(ctx, key, domain.ServerStateStopped, ""); err != nil {
		t.Fatal(err)
	}
	srv, _ = store.ServerByKey(ctx, key)
	if srv.URL != "" || srv.StateBlob != nil || srv.StoppedAt == nil {
		t.Fatalf("stop did not clear runtime fields: %+v", srv)
	}

	active, _ = store.ListActiveServers(ctx)
	if len(active) != 0 {
		t.Fatalf("stopped server still listed active: %v", active)
	}
}

func TestCountNamedServers(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"", "gpu", "cpu"} {
		if _, err := store.UpsertServer(ctx, domain.Server{
			UserName: "alice", Name: name, State: domain.ServerStateRunning,
		}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.CountNamedServers(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 named servers, got %d", n)
	}
}

func TestTokenResolve(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	tok, err := store.CreateToken(ctx, "alice", "hash-abc", "cli")
	if err != nil {
		t.Fatal(err)
	}
	user, err := store.ResolveToken(ctx, "hash-abc")
	if err != nil || user != "alice" {
		t.Fatalf("resolve: %q %v", user, err)
	}
	if _, err := store.ResolveToken(ctx, "hash-unknown"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	hash, err := store.RevokeToken(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "hash-abc" {
		t.Fatalf("revoke returned hash %q", hash)
	}
	if _, err := store.ResolveToken(ctx, "hash-abc"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("revoked token still resolves: %v", err)
	}
	// A second revoke finds no live row.
	if _, err := store.RevokeToken(ctx, tok.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestShareGrantAndRevoke(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateShare(ctx, "alice", "gpu", "bob", "research", nil); err == nil {
		t.Fatal("both grantees set must be rejected")
	}
	if _, err := store.CreateShare(ctx, "alice", "gpu", "", "", nil); err == nil {
		t.Fatal("no grantee set must be rejected")
	}

	sh, err := store.CreateShare(ctx, "alice", "gpu", "bob", "", []string{"access:servers!server=alice/gpu"})
	if err != nil {
		t.Fatal(err)
	}
	if sh.Server != "alice/gpu" || sh.User != "bob" {
		t.Fatalf("unexpected share %+v", sh)
	}

	// Re-granting replaces scopes rather than duplicating.
	if _, err := store.CreateShare(ctx, "alice", "gpu", "bob", "", []string{"access:servers"}); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListSharesForServer(ctx, "alice", "gpu")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Scopes[0] != "access:servers" {
		t.Fatalf("unexpected shares %+v", list)
	}

	// Grantee can revoke their own share.
	if err := store.DeleteShare(ctx, list[0].ID, "bob"); err != nil {
		t.Fatal(err)
	}
	// A stranger cannot.
	sh, _ = store.CreateShare(ctx, "alice", "gpu", "bob", "", nil)
	if err := store.DeleteShare(ctx, sh.ID, "mallory"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestSharesForGranteeViaGroup(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateShare(ctx, "alice", "", "", "research", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateShare(ctx, "alice", "gpu", "bob", "", nil); err != nil {
		t.Fatal(err)
	}

	shares, err := store.ListSharesForGrantee(ctx, "bob", []string{"research"})
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %+v", shares)
	}

	shares, err = store.ListSharesForGrantee(ctx, "carol", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 0 {
		t.Fatalf("carol should have no shares: %+v", shares)
	}
}

func TestShareCodeRedeemSingleUse(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.CreateShareCode(ctx, "alice", "gpu", "code-hash", nil, now.Add(time.Hour), 1); err != nil {
		t.Fatal(err)
	}

	sh, err := store.RedeemShareCode(ctx, "code-hash", "bob", now)
	if err != nil {
		t.Fatal(err)
	}
	if sh.User != "bob" || sh.Server != "alice/gpu" {
		t.Fatalf("unexpected share %+v", sh)
	}

	// Second redemption of an exchange-limit-1 code is rejected.
	if _, err := store.RedeemShareCode(ctx, "code-hash", "carol", now); !errors.Is(err, domain.ErrShareCodeInvalid) {
		t.Fatalf("expected ErrShareCodeInvalid, got %v", err)
	}

	// carol got no share as a side effect.
	shares, _ := store.ListSharesForGrantee(ctx, "carol", nil)
	if len(shares) != 0 {
		t.Fatalf("failed redemption must have no side effect: %+v", shares)
	}
}

func TestShareCodeExpiryAndUnknown(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.CreateShareCode(ctx, "alice", "", "stale-hash", nil, now.Add(-time.Minute), -1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RedeemShareCode(ctx, "stale-hash", "bob", now); !errors.Is(err, domain.ErrShareCodeInvalid) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
	if _, err := store.RedeemShareCode(ctx, "no-such-hash", "bob", now); !errors.Is(err, domain.ErrShareCodeInvalid) {
		t.Fatalf("expected unknown-code rejection, got %v", err)
	}

	purged, err := store.PurgeExpiredShareCodes(ctx, now, 100)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged code, got %d", purged)
	}
}

func TestShareCodeConcurrentRedemption(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if _, err := store.CreateShareCode(ctx, "alice", "", "race-hash", nil, now.Add(time.Hour), 1); err != nil {
		t.Fatal(err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	wg.Add(attempts)
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := store.RedeemShareCode(ctx, "race-hash", "bob", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, domain.ErrShareCodeInvalid) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one redemption must succeed, got %d", succeeded)
	}
}
