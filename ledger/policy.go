package ledger

import "traceflow/registry"

// statusPolicy maps each target status to the roles allowed to set it. The
// table gates the TARGET status only; it deliberately does not encode a
// predecessor graph, so stage order is advisory rather than enforced.
var statusPolicy = map[Status][]registry.Role{
	StatusCreated:    {registry.RoleProducer},
	StatusDispatched: {registry.RoleProducer},
	StatusInTransit:  {registry.RoleDistributor, registry.RoleProducer},
	StatusReceived:   {registry.RoleRetailer, registry.RoleDistributor},
	StatusDelivered:  {registry.RoleRetailer, registry.RoleDistributor},
	StatusVerified:   {registry.RoleRegulator},
	StatusException:  {registry.RoleProducer, registry.RoleDistributor, registry.RoleRetailer, registry.RoleRegulator},
}

// RolesForStatus returns the roles permitted to set the given target status.
func RolesForStatus(status Status) []registry.Role {
	return statusPolicy[status]
}

// CanRegister reports whether the role set may register new products.
func CanRegister(roles []registry.Role) bool {
	return holdsAny(roles, registry.RoleProducer)
}

// CanSetStatus reports whether the role set may move a product to status.
func CanSetStatus(roles []registry.Role, status Status) bool {
	return holdsAny(roles, statusPolicy[status]...)
}

// CanVerify reports whether the role set may attach verification records.
func CanVerify(roles []registry.Role) bool {
	return holdsAny(roles, registry.RoleRegulator)
}

// EligibleRecipient reports whether the role set may receive custody.
func EligibleRecipient(roles []registry.Role) bool {
	return holdsAny(roles, registry.SupplyChainRoles()...)
}

func holdsAny(roles []registry.Role, wanted ...registry.Role) bool {
	for _, r := range roles {
		for _, w := range wanted {
			if r == w {
				return true
			}
		}
	}
	return false
}
