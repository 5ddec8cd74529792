package auth

import "strings"

// Role is the directory role attribute value.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOperator  Role = "operator"
	RolePersonnel Role = "personnel"
	RoleUser      Role = "user"
)

const (
	MinAuthorizationLevel = 1
	MaxAuthorizationLevel = 5
)

// ParseRole normalizes s; unknown values map to RoleUser.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleOperator, RolePersonnel:
		return r
	default:
		return RoleUser
	}
}

// EmployeePrefix returns the employee id prefix for r.
func (r Role) EmployeePrefix() string {
	switch r {
	case RoleAdmin:
		return "ADMIN_"
	case RoleOperator:
		return "OP_"
	case RolePersonnel:
		return "PER_"
	default:
		return "USER_"
	}
}

// DefaultAuthorizationLevel returns the level assigned when none is given.
func (r Role) DefaultAuthorizationLevel() int {
	switch r {
	case RoleAdmin:
		return 5
	case RoleOperator:
		return 3
	default:
		return 1
	}
}

// HasProjection reports whether identities with r carry a RoleRecord.
func (r Role) HasProjection() bool {
	return r == RoleOperator || r == RolePersonnel
}

func (r Role) sequenceName() string {
	switch r {
	case RoleAdmin, RoleOperator, RolePersonnel:
		return "employee_" + string(r)
	default:
		return "employee_user"
	}
}

func validLevel(level int) bool {
	return level >= MinAuthorizationLevel && level <= MaxAuthorizationLevel
}
