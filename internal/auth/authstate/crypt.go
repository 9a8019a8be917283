// Package authstate seals and opens the opaque auth-state blobs that
// authenticators attach to identities. Blobs are encrypted at rest with a
// rotatable list of symmetric keys: the first key encrypts, any key may
// decrypt.
package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/userhub/userhub/internal/domain"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrNoKeys is returned when sealing is attempted without key material.
// Deployments without keys simply do not persist auth state.
var ErrNoKeys = errors.New("no auth-state encryption keys configured")

// Crypt holds the ordered key list, newest first.
type Crypt struct {
	keys [][keySize]byte
}

// New parses an ordered list of key strings (hex or base64, 32 bytes each)
// into a Crypt. An empty list yields a Crypt that cannot seal.
func New(keyStrings []string) (*Crypt, error) {
	c := &Crypt{}
	for i, raw := range keyStrings {
		k, err := parseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("auth-state key %d: %w", i, err)
		}
		c.keys = append(c.keys, k)
	}
	return c, nil
}

// CanSeal reports whether at least one key is available.
func (c *Crypt) CanSeal() bool {
	return len(c.keys) > 0
}

// Seal encrypts plaintext with the first (newest) key. The output embeds
// the random nonce and is safe to persist as-is.
func (c *Crypt) Seal(plaintext []byte) ([]byte, error) {
	if !c.CanSeal() {
		return nil, ErrNoKeys
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.keys[0]), nil
}

// Open decrypts a sealed blob, trying each configured key in order. A blob
// sealed with a key that has since been removed from the list fails with
// [domain.ErrAuthStateDecrypt].
func (c *Crypt) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, domain.ErrAuthStateDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	box := sealed[nonceSize:]
	for i := range c.keys {
		if out, ok := secretbox.Open(nil, box, &nonce, &c.keys[i]); ok {
			return out, nil
		}
	}
	return nil, domain.ErrAuthStateDecrypt
}

func parseKey(raw string) ([keySize]byte, error) {
	var key [keySize]byte
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return key, errors.New("empty key")
	}
	var b []byte
	var err error
	if decoded, hexErr := hex.DecodeString(raw); hexErr == nil {
		b = decoded
	} else if b, err = base64.StdEncoding.DecodeString(raw); err != nil {
		if b, err = base64.RawURLEncoding.DecodeString(raw); err != nil {
			return key, errors.New("key must be hex or base64")
		}
	}
	if len(b) != keySize {
		return key, fmt.Errorf("key must decode to %d bytes, got %d", keySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// GenerateKey returns a fresh random key in hex form, for config seeding.
func GenerateKey() (string, error) {
	b := make([]byte, keySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
