package auth

import "github.com/userhub/userhub/internal/domain"

// Admission evaluates the two-phase authorization check the orchestrator
// runs after authentication. Blocked rules are restrictive: any match
// halts. Allowed rules are permissive: any match admits. The final verdict
// is blocked-check passed AND (allow-all OR allowed-check passed).
type Admission struct {
	AllowAll      bool
	AllowAdmins   bool
	AllowedUsers  map[string]struct{}
	AllowedGroups map[string]struct{}
	BlockedUsers  map[string]struct{}
}

// NewAdmission builds an Admission from config-level name lists.
func NewAdmission(allowAll, allowAdmins bool, allowedUsers, allowedGroups, blockedUsers []string) Admission {
	return Admission{
		AllowAll:      allowAll,
		AllowAdmins:   allowAdmins,
		AllowedUsers:  nameSet(allowedUsers),
		AllowedGroups: nameSet(allowedGroups),
		BlockedUsers:  nameSet(blockedUsers),
	}
}

// Blocked runs the restrictive phase. True halts admission regardless of
// any permissive rule.
func (a Admission) Blocked(id domain.Identity) bool {
	_, blocked := a.BlockedUsers[id.Name]
	return blocked
}

// Allowed runs the permissive phase: any true condition admits.
func (a Admission) Allowed(id domain.Identity) bool {
	if a.AllowAdmins && id.Admin {
		return true
	}
	if _, ok := a.AllowedUsers[id.Name]; ok {
		return true
	}
	for _, g := range id.Groups {
		if _, ok := a.AllowedGroups[Normalize(g)]; ok {
			return true
		}
	}
	return false
}

// Admit composes both phases.
func (a Admission) Admit(id domain.Identity) bool {
	if a.Blocked(id) {
		return false
	}
	return a.AllowAll || a.Allowed(id)
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = Normalize(n)
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}
