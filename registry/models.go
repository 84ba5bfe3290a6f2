package registry

import "time"

// Role is a capability tag granting access to specific ledger operations.
type Role string

const (
	RoleProducer    Role = "producer"
	RoleDistributor Role = "distributor"
	RoleRetailer    Role = "retailer"
	RoleRegulator   Role = "regulator"
	RoleAdmin       Role = "admin"
)

// SupplyChainRoles are the roles eligible to hold custody of a product.
func SupplyChainRoles() []Role {
	return []Role{RoleProducer, RoleDistributor, RoleRetailer}
}

// Participant is the domain representation of a registered identity. Role
// sets are additive; a grant never removes a previously held role and
// participants are never deleted.
type Participant struct {
	Address      string
	Roles        []Role
	RegisteredAt time.Time
}

// HasRole reports whether the participant holds the given role.
func (p Participant) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RoleProducer, RoleDistributor, RoleRetailer, RoleRegulator, RoleAdmin:
		return true
	default:
		return false
	}
}
