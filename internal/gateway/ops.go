package gateway

import "monhub/internal/credstore"

// Operation identifies one engine-facing call.
type Operation string

// Operator-facing operations (session-token authenticated).
const (
	OpListPlugins     Operation = "plugin.list"
	OpGetPlugin       Operation = "plugin.get"
	OpRegisterPlugin  Operation = "plugin.register"
	OpEnablePlugin    Operation = "plugin.enable"
	OpDisablePlugin   Operation = "plugin.disable"
	OpExecutePlugin   Operation = "plugin.execute"
	OpGetConfig       Operation = "plugin.config.get"
	OpPatchConfig     Operation = "plugin.config.patch"
	OpQueryExecutions Operation = "executions.query"
	OpQueryMetrics    Operation = "metrics.query"
	OpCreateKey       Operation = "key.create"
	OpListKeys        Operation = "key.list"
	OpRevokeKey       Operation = "key.revoke"
	OpQueryAudit      Operation = "audit.query"
)

// Plugin-facing operations (API-key authenticated, scoped).
const (
	OpReportMetrics Operation = "metrics.report"
	OpReportHealth  Operation = "health.report"
	OpFetchConfig   Operation = "config.fetch"
)

// Class buckets operations for rate limiting. Budgets are per class, per
// actor, per sliding window.
type Class string

const (
	ClassRead             Class = "read"
	ClassExecutionTrigger Class = "execution-trigger"
	ClassMetricReport     Class = "metric-report"
	ClassHealthReport     Class = "health-report"
	ClassConfigMutation   Class = "config-mutation"
)

type opSpec struct {
	class    Class
	action   string // audit action: create | read | update | delete | execute
	resource string

	// minRole gates session-token actors; empty means tokens are rejected.
	minRole credstore.Role
	// scope gates API-key actors; empty means keys are rejected.
	scope credstore.Scope
}

var opTable = map[Operation]opSpec{
	OpListPlugins:     {class: ClassRead, action: "read", resource: "plugin", minRole: credstore.RoleReadOnly},
	OpGetPlugin:       {class: ClassRead, action: "read", resource: "plugin", minRole: credstore.RoleReadOnly},
	OpRegisterPlugin:  {class: ClassConfigMutation, action: "create", resource: "plugin", minRole: credstore.RoleAdmin},
	OpEnablePlugin:    {class: ClassConfigMutation, action: "update", resource: "plugin", minRole: credstore.RoleOperator},
	OpDisablePlugin:   {class: ClassConfigMutation, action: "update", resource: "plugin", minRole: credstore.RoleOperator},
	OpExecutePlugin:   {class: ClassExecutionTrigger, action: "execute", resource: "plugin", minRole: credstore.RoleOperator},
	OpGetConfig:       {class: ClassRead, action: "read", resource: "plugin-config", minRole: credstore.RoleReadOnly},
	OpPatchConfig:     {class: ClassConfigMutation, action: "update", resource: "plugin-config", minRole: credstore.RoleOperator},
	OpQueryExecutions: {class: ClassRead, action: "read", resource: "execution", minRole: credstore.RoleReadOnly},
	OpQueryMetrics:    {class: ClassRead, action: "read", resource: "metric", minRole: credstore.RoleReadOnly},
	OpCreateKey:       {class: ClassConfigMutation, action: "create", resource: "api-key", minRole: credstore.RoleAdmin},
	OpListKeys:        {class: ClassRead, action: "read", resource: "api-key", minRole: credstore.RoleAdmin},
	OpRevokeKey:       {class: ClassConfigMutation, action: "delete", resource: "api-key", minRole: credstore.RoleAdmin},
	OpQueryAudit:      {class: ClassRead, action: "read", resource: "audit", minRole: credstore.RoleAdmin},

	OpReportMetrics: {class: ClassMetricReport, action: "create", resource: "metric", scope: credstore.ScopeReportMetrics},
	OpReportHealth:  {class: ClassHealthReport, action: "update", resource: "plugin", scope: credstore.ScopeReportHealth},
	OpFetchConfig:   {class: ClassRead, action: "read", resource: "plugin-config", scope: credstore.ScopeFetchConfig},
}

var roleRank = map[credstore.Role]int{
	credstore.RoleReadOnly: 1,
	credstore.RoleOperator: 2,
	credstore.RoleAdmin:    3,
}

func roleAllows(have, need credstore.Role) bool {
	return roleRank[have] >= roleRank[need]
}
