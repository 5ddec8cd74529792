package auth

// Principal is the caller identified by an access token.
type Principal struct {
	Username string
	Role     Role
}

// Actor is a principal performing an operation from a client address.
type Actor struct {
	Username string
	Role     Role
	IP       string
}

// SystemActor is used by maintenance commands that run without a token.
var SystemActor = Actor{Username: "system", Role: RoleAdmin}

// Actor binds p to the client address ip.
func (p Principal) Actor(ip string) Actor {
	return Actor{Username: p.Username, Role: p.Role, IP: ip}
}

// HasRole reports whether the principal holds one of roles.
func (p Principal) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

func requireAdmin(a Actor) error {
	if a.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}
