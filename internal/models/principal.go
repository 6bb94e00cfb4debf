package models

import "github.com/example/farm-market/internal/apperr"

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleBuyer, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Principal is the caller identity resolved once at the API boundary.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func Farmer(id string) Principal { return Principal{ID: id, Role: RoleFarmer} }
func Buyer(id string) Principal  { return Principal{ID: id, Role: RoleBuyer} }
func Driver(id string) Principal { return Principal{ID: id, Role: RoleDriver} }
func Admin(id string) Principal  { return Principal{ID: id, Role: RoleAdmin} }

// Acts reports whether p may act in role r. Admins act in every role.
func (p Principal) Acts(r Role) bool {
	return p.ID != "" && (p.Role == r || p.Role == RoleAdmin)
}

// Owns reports whether p is the owner identified by id, or an admin.
func (p Principal) Owns(id string) bool {
	return p.ID != "" && (p.ID == id || p.Role == RoleAdmin)
}

// Require fails with a forbidden error unless p acts in one of roles.
func (p Principal) Require(roles ...Role) error {
	if p.ID == "" {
		return apperr.Forbidden("missing principal")
	}
	for _, r := range roles {
		if p.Acts(r) {
			return nil
		}
	}
	return apperr.Forbidden("%s may not perform this action", p.Role)
}
