package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the hub login cookie.
const SessionCookieName = "userhub_session"

// SessionClaims is the JWT payload stored in the login cookie.
type SessionClaims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies signed login cookies.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions builds a session signer. secret must be non-empty.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a session token for the given identity.
func (s *Sessions) Issue(username string, admin bool, now time.Time) (string, error) {
	claims := SessionClaims{
		Username: username,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Subject:   username,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a session token, returning its claims.
func (s *Sessions) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Username == "" {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}

// SetCookie writes the session cookie on a login response.
func (s *Sessions) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie on logout.
func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest extracts and verifies the session cookie from a request,
// returning nil when absent or invalid.
func (s *Sessions) FromRequest(r *http.Request) *SessionClaims {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	claims, err := s.Verify(c.Value)
	if err != nil {
		return nil
	}
	return claims
}
