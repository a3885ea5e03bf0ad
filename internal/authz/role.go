package authz

import "fmt"

// Role is the closed set of board roles. Storage uses the string forms
// "admin", "member" and "readOnly"; anything else fails to parse.
type Role int

const (
	RoleAdmin Role = iota
	RoleMember
	RoleReadOnly
)

func ParseRole(s string) (Role, error) {
	switch s {
	case "admin":
		return RoleAdmin, nil
	case "member":
		return RoleMember, nil
	case "readOnly":
		return RoleReadOnly, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	case RoleReadOnly:
		return "readOnly"
	default:
		return "unknown"
	}
}

// CanWrite reports whether the role may mutate board content.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleMember
}
