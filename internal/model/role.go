package model

// Role is the access level carried in a JWT. Platform users hold RoleUser;
// the ops surface (weighting administration, session inspection, MCP) needs
// RoleOperator.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
}

// RoleRank returns a comparable rank for a role; unknown roles rank lowest.
func RoleRank(r Role) int {
	return roleRank[r]
}

// RoleAtLeast reports whether r meets or exceeds min.
func RoleAtLeast(r, min Role) bool {
	return RoleRank(r) >= RoleRank(min)
}
