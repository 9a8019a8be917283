package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrAccessDenied indicates a valid identity was refused access.
	// Distinct from authentication failure, which is a nil identity.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidUsername means the name failed the configured pattern.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrUserNotFound means the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrServerNotFound means the requested (user, server) does not exist.
	ErrServerNotFound = errors.New("server not found")

	// ErrNotRunning means an operation required a running server.
	ErrNotRunning = errors.New("server not running")

	// ErrSpawnTimeout is returned when a start exceeded its budget. The
	// partially started resource has been cleaned up; retrying is safe.
	ErrSpawnTimeout = errors.New("spawn timed out")

	// ErrSpawnFailed means the backend exited or reported an error during
	// startup.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrRouteConflict is returned for a duplicate or malformed routespec.
	// Existing routes are untouched.
	ErrRouteConflict = errors.New("route conflict")

	// ErrShareCodeInvalid covers expired, exhausted, and unknown codes.
	ErrShareCodeInvalid = errors.New("share code invalid")

	// ErrAuthStateDecrypt means no configured key could decrypt a stored
	// auth-state blob.
	ErrAuthStateDecrypt = errors.New("auth state decryption failed")

	// ErrRateLimitExceeded is returned when a client exceeds the allowed
	// request rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrServerLimitReached is returned when a user has exhausted the
	// maximum number of named servers.
	ErrServerLimitReached = errors.New("named server limit reached")
)

// ServerError wraps an underlying error with (user, server) context.
type ServerError struct {
	User   string
	Server string
	Op     string
	Err    error
}

func (e *ServerError) Error() string {
	key := ServerKey{User: e.User, Server: e.Server}
	if e.User != "" {
		return fmt.Sprintf("server %s: %s: %v", key, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// UserMessage returns a safe message for display. Sentinel errors map to
// their own text; anything else falls back to a generic message so internal
// detail never leaks to the browser.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSpawnTimeout):
		return "your server took too long to start; please try again"
	case errors.Is(err, ErrSpawnFailed):
		return "your server failed to start"
	case errors.Is(err, ErrAccessDenied):
		return "you are not allowed to access this server"
	case errors.Is(err, ErrShareCodeInvalid):
		return "this sharing code is no longer valid"
	case errors.Is(err, ErrInvalidUsername):
		return "invalid username"
	case errors.Is(err, ErrNotRunning):
		return "this server is not running"
	case errors.Is(err, ErrServerLimitReached):
		return "you have reached your server limit"
	case errors.Is(err, ErrRateLimitExceeded):
		return "too many requests; slow down"
	default:
		return "internal error"
	}
}
