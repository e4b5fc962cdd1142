package authkit

// Role is the closed set of account roles. The role also determines resource
// limits; there is no separate tier concept.
type Role string

const (
	// RoleAnonymous is an exported constant or variable used by the authentication engine.
	RoleAnonymous Role = "anonymous"
	// RoleVerifiedFree is an exported constant or variable used by the authentication engine.
	RoleVerifiedFree Role = "verified-free"
	// RolePaid is an exported constant or variable used by the authentication engine.
	RolePaid Role = "paid"
	// RoleOperator is an exported constant or variable used by the authentication engine.
	RoleOperator Role = "operator"
)

var sessionLimits = map[Role]int{
	RoleAnonymous:    1,
	RoleVerifiedFree: 5,
	RolePaid:         10,
	RoleOperator:     50,
}

// SessionLimit returns the maximum number of live sessions allowed for a role.
func SessionLimit(role Role) (int, error) {
	limit, ok := sessionLimits[role]
	if !ok {
		return 0, ErrRoleUnknown
	}
	return limit, nil
}

// KnownRole reports whether role is part of the closed role set.
func KnownRole(role Role) bool {
	_, ok := sessionLimits[role]
	return ok
}

// HasRequiredRoles is the explicit role check called at the top of protected
// handlers: no decorator or annotation dispatch. With matchAll true every
// required role must be presented; otherwise one is enough. An empty required
// set always passes.
func HasRequiredRoles(required []Role, matchAll bool, presented []Role) bool {
	if len(required) == 0 {
		return true
	}

	have := make(map[Role]struct{}, len(presented))
	for _, r := range presented {
		have[r] = struct{}{}
	}

	matched := 0
	for _, r := range required {
		if _, ok := have[r]; ok {
			matched++
		}
	}

	if matchAll {
		return matched == len(required)
	}
	return matched > 0
}
