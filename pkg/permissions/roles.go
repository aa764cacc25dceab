package permissions

// Portal roles carried in the token's app metadata
const (
	RolePharmacyManager    = "pharmacy_manager"
	RolePharmacyStaff      = "pharmacy_staff"
	RoleAccountant         = "accountant"
	RoleProcurementOfficer = "procurement_officer"
	RoleAdmin              = "admin"
)

// Permissions checked by the consolidation API
const (
	ConsolidationRead  = "consolidation.read"
	ConsolidationSync  = "consolidation.sync"
	ConsolidationOrder = "consolidation.order"
	OrdersRead         = "orders.read"
	PharmaciesReadAll  = "pharmacies.read_all"
	CatalogRead        = "catalog.read"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {"*"},
	RoleProcurementOfficer: {
		"consolidation.*",
		OrdersRead,
		PharmaciesReadAll,
		CatalogRead,
	},
	RoleAccountant: {
		ConsolidationRead,
		ConsolidationSync,
		OrdersRead,
		PharmaciesReadAll,
		CatalogRead,
	},
	RolePharmacyManager: {OrdersRead, CatalogRead},
	RolePharmacyStaff:   {OrdersRead, CatalogRead},
}

// ForRole returns the permissions granted to role. Unknown roles get none.
func ForRole(role string) []string {
	return rolePermissions[role]
}

// IsPharmacyBound reports whether the role only ever sees its own pharmacy
func IsPharmacyBound(role string) bool {
	return role == RolePharmacyManager || role == RolePharmacyStaff
}
