package shared

// Finance roles recognised by the engine. Approval rules and settings refer to
// roles by these names.
const (
	RoleFinanceStaff      = "finance_staff"
	RoleFinanceManager    = "finance_manager"
	RoleFinanceController = "finance_controller"
	RoleCFO               = "cfo"
	RoleAuditor           = "auditor"
)

// FinanceRoles lists all roles related to the finance module.
func FinanceRoles() []string {
	return []string{
		RoleFinanceStaff,
		RoleFinanceManager,
		RoleFinanceController,
		RoleCFO,
		RoleAuditor,
	}
}

// PeriodManagerRoles may create and transition accounting periods.
func PeriodManagerRoles() []string {
	return []string{RoleFinanceManager, RoleFinanceController, RoleCFO}
}
