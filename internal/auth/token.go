// Package auth provides the pluggable authenticator contract, username
// normalization, admission rules, API token utilities, and hub login
// session cookies.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// GenerateToken returns a cryptographically random, URL-safe API token
// string. Tokens double as OAuth client secrets in the environment handed
// to spawned servers.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns a deterministic SHA-256 hex digest of token + pepper.
// Only hashes are persisted; the cleartext token is shown once.
func HashToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + ":" + pepper))
	return hex.EncodeToString(sum[:])
}
