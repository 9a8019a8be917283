// Package domain defines the core data types shared across the hub
// orchestrator, spawner, proxy, and store layers.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Server state constants describe the lifecycle of a user server.
const (
	ServerStateStopped      = "stopped"
	ServerStatePendingStart = "pending_start"
	ServerStateRunning      = "running"
	ServerStatePendingStop  = "pending_stop"
)

// User represents a hub account. Users are created on first successful
// authentication or pre-provisioned by an admin.
type User struct {
	ID        string
	Name      string
	Admin     bool
	Groups    []string
	Roles     []string
	CreatedAt time.Time
	LastLogin *time.Time
}

// Server represents a single named backend belonging to one user. The
// default server has an empty name.
type Server struct {
	ID        string
	UserName  string
	Name      string
	State     string
	URL       string
	StateBlob json.RawMessage // opaque, owned by the spawner
	StartedAt *time.Time
	StoppedAt *time.Time
}

// Key returns the (user, servername) identity of the server.
func (s Server) Key() ServerKey {
	return ServerKey{User: s.UserName, Server: s.Name}
}

// ServerKey identifies a server by its (username, servername) pair.
type ServerKey struct {
	User   string
	Server string
}

func (k ServerKey) String() string {
	if k.Server == "" {
		return k.User
	}
	return k.User + "/" + k.Server
}

// ParseServerRef splits an "owner" or "owner/name" server reference back
// into its key.
func ParseServerRef(ref string) ServerKey {
	user, server, _ := strings.Cut(ref, "/")
	return ServerKey{User: user, Server: server}
}

// Identity is the result of a successful authentication.
type Identity struct {
	Name      string // canonical (normalized) username
	Admin     bool
	Groups    []string
	Roles     []string
	AuthState json.RawMessage // opaque provider blob, encrypted at rest
}

// Share grants scoped access to one server. Exactly one of User or Group is
// set.
type Share struct {
	ID        string    `json:"id"`
	Server    string    `json:"server"` // "owner/name" reference
	Scopes    []string  `json:"scopes"`
	User      string    `json:"user,omitempty"`
	Group     string    `json:"group,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareCode is a bearer-redeemable share. The code itself is returned once
// on creation and stored only as a hash.
type ShareCode struct {
	ID            string    `json:"id"`
	Server        string    `json:"server"`
	Scopes        []string  `json:"scopes"`
	Code          string    `json:"code,omitempty"` // set on creation only
	ExpiresAt     time.Time `json:"expires_at"`
	MaxExchanges  int       `json:"max_exchanges"` // -1 = unlimited
	ExchangeCount int       `json:"exchange_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (c ShareCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Exhausted reports whether the code has used up its exchange budget.
func (c ShareCode) Exhausted() bool {
	return c.MaxExchanges >= 0 && c.ExchangeCount >= c.MaxExchanges
}
