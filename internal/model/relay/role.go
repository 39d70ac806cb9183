package relay

import "strings"

// Role classifies a connected actor.
type Role string

const (
	RoleVictim  Role = "victim"
	RoleOfficer Role = "officer"
	RoleAdmin   Role = "admin"
)

// Roles lists every known role in a stable order.
func Roles() []Role {
	return []Role{RoleVictim, RoleOfficer, RoleAdmin}
}

// ParseRole normalizes the userType a client claims on register.
// "police" is accepted as an alias for officer.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "victim":
		return RoleVictim, true
	case "officer", "police":
		return RoleOfficer, true
	case "admin":
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Opposite returns the counterpart role for staff-side indicators.
// Victims have no counterpart.
func (r Role) Opposite() (Role, bool) {
	switch r {
	case RoleOfficer:
		return RoleAdmin, true
	case RoleAdmin:
		return RoleOfficer, true
	default:
		return "", false
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}
