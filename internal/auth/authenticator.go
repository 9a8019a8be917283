package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/userhub/userhub/internal/domain"
)

// Credentials carries whatever a concrete authenticator needs to validate a
// login. Password is empty for token-style flows.
type Credentials struct {
	Username string
	Password string
}

// Authenticator validates credentials and resolves them to an identity.
//
// A plain bad-credentials outcome is (nil, nil), never an error. A non-nil
// error is reserved for exceptional conditions and may carry a user-facing
// message via [MessageError].
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*domain.Identity, error)
}

// MessageError lets an authenticator surface an explicit message to the
// user for exceptional failures (rather than the safe generic default).
type MessageError struct {
	Message string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *MessageError) Unwrap() error { return e.Err }

// UserMessage extracts an explicit authenticator message from err, falling
// back to the domain-level safe default.
func UserMessage(err error) string {
	var me *MessageError
	if errors.As(err, &me) && me.Message != "" {
		return me.Message
	}
	return domain.UserMessage(err)
}

// Normalize returns the canonical form of a username: trimmed and
// lower-cased. Normalization is idempotent.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultUsernamePattern accepts conservative POSIX-style account names.
const DefaultUsernamePattern = `^[a-z0-9][a-z0-9._-]*$`

// UsernameValidator reports whether a normalized username is acceptable.
type UsernameValidator struct {
	re *regexp.Regexp
}

// NewUsernameValidator compiles pattern; an empty pattern selects
// [DefaultUsernamePattern].
func NewUsernameValidator(pattern string) (*UsernameValidator, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultUsernamePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &UsernameValidator{re: re}, nil
}

// Valid is a pure predicate; it does not normalize its input.
func (v *UsernameValidator) Valid(name string) bool {
	if name == "" {
		return false
	}
	return v.re.MatchString(name)
}
