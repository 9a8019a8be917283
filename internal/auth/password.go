package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/userhub/userhub/internal/domain"
)

const bcryptCost = 12

// CredentialStore is the slice of the persistence layer the password
// authenticator needs.
type CredentialStore interface {
	UserByName(ctx context.Context, name string) (domain.User, error)
	UserPasswordHash(ctx context.Context, name string) (string, error)
}

// PasswordAuthenticator validates a username/password pair against bcrypt
// hashes held in the store. It is the default authenticator variant;
// alternatives plug in behind [Authenticator].
type PasswordAuthenticator struct {
	store CredentialStore
}

// NewPasswordAuthenticator wires a password authenticator to its store.
func NewPasswordAuthenticator(store CredentialStore) *PasswordAuthenticator {
	return &PasswordAuthenticator{store: store}
}

// Authenticate resolves credentials to an identity. Unknown users and
// wrong passwords both return (nil, nil).
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*domain.Identity, error) {
	name := Normalize(creds.Username)
	if name == "" || creds.Password == "" {
		return nil, nil
	}

	hash, err := a.store.UserPasswordHash(ctx, name)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup password hash: %w", err)
	}
	if hash == "" {
		// Account exists but has no local password (provisioned for an
		// external authenticator).
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)) != nil {
		return nil, nil
	}

	user, err := a.store.UserByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &domain.Identity{
		Name:   user.Name,
		Admin:  user.Admin,
		Groups: user.Groups,
		Roles:  user.Roles,
	}, nil
}

// HashPassword returns the bcrypt hash stored for a local account.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", &MessageError{Message: "password must be at least 8 characters"}
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
