// Package scopes parses and evaluates permission scope strings.
//
// A scope is "verb:resource" with an optional resource filter, e.g.
// "access:servers!server=alice/gpu". An unfiltered grant covers every
// instance of the resource; a filtered grant covers exactly one.
// Evaluation is disjunctive across grants (any matching grant admits) and
// conjunctive within a grant (the base and every restriction must match).
package scopes

import (
	"fmt"
	"strings"
)

// Well-known scope bases.
const (
	BaseAccessServers = "access:servers"
	BaseAdminServers  = "admin:servers"
	BaseReadUsers     = "read:users"
	BaseShares        = "shares"
)

// FilterServer restricts a scope to one (owner, servername) pair.
const FilterServer = "server"

// Scope is a parsed scope string.
type Scope struct {
	Base   string // "verb:resource"
	Filter string // restriction key, "" when unfiltered
	Value  string // restriction value
}

// Parse splits a raw scope string into its base and optional restriction.
func Parse(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Scope{}, fmt.Errorf("empty scope")
	}
	base, filter, hasFilter := strings.Cut(raw, "!")
	if base == "" {
		return Scope{}, fmt.Errorf("scope %q: missing base", raw)
	}
	s := Scope{Base: base}
	if !hasFilter {
		return s, nil
	}
	key, value, ok := strings.Cut(filter, "=")
	if !ok || key == "" || value == "" {
		return Scope{}, fmt.Errorf("scope %q: malformed restriction", raw)
	}
	s.Filter = key
	s.Value = value
	return s, nil
}

// String re-serializes the scope in canonical form.
func (s Scope) String() string {
	if s.Filter == "" {
		return s.Base
	}
	return s.Base + "!" + s.Filter + "=" + s.Value
}

// Allows reports whether this grant covers the required scope. The base
// must match exactly; unfiltered grants cover any restriction; filtered
// grants require the same restriction key and value.
func (s Scope) Allows(required Scope) bool {
	if s.Base != required.Base {
		return false
	}
	if s.Filter == "" {
		return true
	}
	return s.Filter == required.Filter && s.Value == required.Value
}

// Set is a parsed grant list.
type Set []Scope

// ParseAll parses a grant list, rejecting the whole list on any malformed
// entry so partial grants never take effect.
func ParseAll(raw []string) (Set, error) {
	set := make(Set, 0, len(raw))
	for _, r := range raw {
		s, err := Parse(r)
		if err != nil {
			return nil, err
		}
		set = append(set, s)
	}
	return set, nil
}

// Allows reports whether any grant in the set covers the required scope.
func (set Set) Allows(required Scope) bool {
	for _, s := range set {
		if s.Allows(required) {
			return true
		}
	}
	return false
}

// Strings returns the canonical string form of every grant.
func (set Set) Strings() []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = s.String()
	}
	return out
}

// AccessServer builds the scope required to reach one user server.
func AccessServer(owner, server string) Scope {
	value := owner
	if server != "" {
		value += "/" + server
	}
	return Scope{Base: BaseAccessServers, Filter: FilterServer, Value: value}
}

// DefaultShareScopes is granted when a share request names no scopes.
func DefaultShareScopes(owner, server string) []string {
	return []string{AccessServer(owner, server).String()}
}
