package auth

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/userhub/userhub/internal/domain"
)

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"Alice", "  ALICE ", "alice", "Bob.Smith", "x-1_2"}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestUsernameValidator(t *testing.T) {
	t.Parallel()

	v, err := NewUsernameValidator("")
	if err != nil {
		t.Fatal(err)
	}

	valid := []string{"alice", "bob.smith", "x-1_2", "u0"}
	for _, name := range valid {
		if !v.Valid(name) {
			t.Fatalf("expected %q to validate", name)
		}
	}
	invalid := []string{"", "-leading", "UPPER", "with space", "../../etc"}
	for _, name := range invalid {
		if v.Valid(name) {
			t.Fatalf("expected %q to be rejected", name)
		}
	}

	// Normalized names must validate the same on a second pass.
	name := Normalize(" Alice ")
	if v.Valid(name) != v.Valid(Normalize(name)) {
		t.Fatal("validation after re-normalization diverged")
	}
}

func TestAdmissionTruthTable(t *testing.T) {
	t.Parallel()

	adm := NewAdmission(false, true,
		[]string{"alice"}, []string{"research"}, []string{"mallory"})

	cases := []struct {
		name string
		id   domain.Identity
		want bool
	}{
		{"allowed user", domain.Identity{Name: "alice"}, true},
		{"allowed group", domain.Identity{Name: "carol", Groups: []string{"research"}}, true},
		{"admin", domain.Identity{Name: "dave", Admin: true}, true},
		{"unknown", domain.Identity{Name: "eve"}, false},
		{"blocked", domain.Identity{Name: "mallory"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := adm.Admit(tc.id); got != tc.want {
				t.Fatalf("Admit(%s): got %v, want %v", tc.id.Name, got, tc.want)
			}
		})
	}
}

func TestAdmissionBlockedWinsOverAllowed(t *testing.T) {
	t.Parallel()

	// mallory passes the permissive phase but must still be denied.
	adm := NewAdmission(false, false, []string{"mallory"}, nil, []string{"mallory"})
	id := domain.Identity{Name: "mallory"}
	if !adm.Allowed(id) {
		t.Fatal("setup: permissive phase should pass")
	}
	if adm.Admit(id) {
		t.Fatal("blocked check must override the permissive phase")
	}

	// Blocked also wins over allow-all.
	adm.AllowAll = true
	if adm.Admit(id) {
		t.Fatal("blocked check must override allow-all")
	}
}

func TestAdmissionAllowAll(t *testing.T) {
	t.Parallel()

	adm := NewAdmission(true, false, nil, nil, nil)
	if !adm.Admit(domain.Identity{Name: "anyone"}) {
		t.Fatal("allow-all must admit unlisted users")
	}
}

type fakeCredStore struct {
	users  map[string]domain.User
	hashes map[string]string
}

func (f *fakeCredStore) UserByName(_ context.Context, name string) (domain.User, error) {
	u, ok := f.users[name]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeCredStore) UserPasswordHash(_ context.Context, name string) (string, error) {
	if _, ok := f.users[name]; !ok {
		return "", domain.ErrUserNotFound
	}
	return f.hashes[name], nil
}

func TestPasswordAuthenticator(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeCredStore{
		users: map[string]domain.User{
			"alice": {Name: "alice", Admin: true, Groups: []string{"research"}},
			"ldap":  {Name: "ldap"},
		},
		hashes: map[string]string{"alice": string(hash)},
	}
	a := NewPasswordAuthenticator(store)
	ctx := context.Background()

	id, err := a.Authenticate(ctx, Credentials{Username: " Alice ", Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || id.Name != "alice" || !id.Admin {
		t.Fatalf("unexpected identity: %+v", id)
	}

	for name, creds := range map[string]Credentials{
		"wrong password": {Username: "alice", Password: "nope"},
		"unknown user":   {Username: "zed", Password: "whatever"},
		"empty password": {Username: "alice"},
		"passwordless":   {Username: "ldap", Password: "anything"},
	} {
		id, err := a.Authenticate(ctx, creds)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if id != nil {
			t.Fatalf("%s: expected nil identity, got %+v", name, id)
		}
	}
}

func TestMessageErrorSurfaces(t *testing.T) {
	t.Parallel()

	err := &MessageError{Message: "account requires approval"}
	if got := UserMessage(err); got != "account requires approval" {
		t.Fatalf("got %q", got)
	}
	if got := UserMessage(domain.ErrSpawnTimeout); got == "" || got == "internal error" {
		t.Fatalf("sentinel fallback broken: %q", got)
	}
}
