package rbac

// Role constants match the party roles stored in users.role.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

// Permission constants
const (
	PermCreateContract   = "create_contract"
	PermDeposit          = "deposit"
	PermSubmitMilestone  = "submit_milestone"
	PermApproveMilestone = "approve_milestone"
	PermCancelContract   = "cancel_contract"
	PermViewContract     = "view_contract"
)

// RolePermissions defines what each role can do. Party membership of a
// specific contract is checked separately by the contract model.
var RolePermissions = map[string][]string{
	RoleClient: {
		PermCreateContract, PermDeposit, PermApproveMilestone,
		PermCancelContract, PermViewContract,
	},
	RoleFreelancer: {
		PermSubmitMilestone, PermCancelContract, PermViewContract,
		// Freelancer CANNOT: PermCreateContract, PermDeposit, PermApproveMilestone
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}
