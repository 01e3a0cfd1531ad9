// Package policy decides whether an analyzed statement may run for a role.
package policy

import (
	"fmt"
	"strings"

	"bi-gateway/internal/domain"
)

// Rules is the policy configuration. Empty lists fall back to the defaults
// below; a snapshot's Rules are never mutated after loading.
type Rules struct {
	ForbiddenKeywords         []string            `yaml:"forbidden_keywords"`
	ForbiddenFunctions        []string            `yaml:"forbidden_functions"`
	ForbiddenFunctionPrefixes []string            `yaml:"forbidden_function_prefixes"`
	SystemSchemas             []string            `yaml:"system_schemas"`
	SystemTablePrefixes       []string            `yaml:"system_table_prefixes"`
	PermittedTables           []string            `yaml:"permitted_tables"`
	PIIColumns                map[string]string   `yaml:"pii_columns"` // "table.column" -> classification
	Roles                     map[string]RoleSpec `yaml:"roles"`
	Cost                      CostWeights         `yaml:"cost"`
	Warnings                  WarningThresholds   `yaml:"warnings"`
}

// RoleSpec is the YAML form of a Role. A nil Tables list inherits the global
// permitted tables; an explicit empty list grants nothing.
type RoleSpec struct {
	Tables     []string `yaml:"tables"`
	DenyTables []string `yaml:"deny_tables"`
	PII        []string `yaml:"pii"`
}

// CostWeights are the coefficients of the heuristic cost score.
type CostWeights struct {
	Ceiling        int `yaml:"ceiling"`
	Base           int `yaml:"base"`
	Join           int `yaml:"join"`
	Subquery       int `yaml:"subquery"`
	GroupBy        int `yaml:"group_by"`
	OrderBy        int `yaml:"order_by"`
	Window         int `yaml:"window"`
	UnboundedRange int `yaml:"unbounded_range"`
	RangeMonth     int `yaml:"range_month"`
}

// WarningThresholds tune the non-blocking style checks.
type WarningThresholds struct {
	LargeLimit int64 `yaml:"large_limit"`
	ManyJoins  int   `yaml:"many_joins"`
}

// DefaultForbiddenKeywords covers data, schema and privilege mutation,
// procedural execution, session control and file access.
var DefaultForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT", "TRUNCATE", "INTO",
	"CREATE", "ALTER", "DROP", "RENAME", "COMMENT",
	"GRANT", "REVOKE", "DENY",
	"EXEC", "EXECUTE", "CALL", "DO", "PREPARE", "DEALLOCATE", "DECLARE",
	"COPY", "EXPORT", "IMPORT", "ATTACH", "DETACH", "INSTALL", "LOAD", "UNLOAD",
	"PRAGMA", "SET", "RESET", "USE", "VACUUM", "CHECKPOINT", "REINDEX", "REFRESH",
	"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK", "KILL", "SHUTDOWN", "WAITFOR",
	"ANALYZE", "DESCRIBE", "EXPLAIN", "SHOW", "SUMMARIZE", "VALUES",
}

// DefaultForbiddenFunctions are timing probes and functions that reach the
// filesystem, the network or server internals.
var DefaultForbiddenFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until", "sleep", "benchmark",
	"dblink", "dblink_exec", "pg_terminate_backend", "pg_cancel_backend",
	"pg_reload_conf", "set_config", "current_setting", "load_file",
	"xp_cmdshell", "glob", "sqlite_scan", "postgres_scan", "mysql_scan",
	"query", "query_table", "getenv",
}

// DefaultForbiddenFunctionPrefixes match whole function families.
var DefaultForbiddenFunctionPrefixes = []string{
	"read_", "duckdb_", "pragma_", "pg_read_", "pg_ls_", "pg_stat_file", "lo_",
}

// DefaultSystemSchemas are metadata schemas that must not be queried.
var DefaultSystemSchemas = []string{
	"information_schema", "pg_catalog", "pg_toast", "sys", "mysql",
	"performance_schema", "system", "temp",
}

// DefaultSystemTablePrefixes identify catalog tables outside those schemas.
var DefaultSystemTablePrefixes = []string{"pg_", "sqlite_", "duckdb_"}

// DefaultCostWeights mirror the original cost estimate and add range terms.
var DefaultCostWeights = CostWeights{
	Ceiling:        1000,
	Base:           10,
	Join:           50,
	Subquery:       200,
	GroupBy:        100,
	OrderBy:        50,
	Window:         150,
	UnboundedRange: 300,
	RangeMonth:     5,
}

// WithDefaults returns a copy of r with unset values replaced by defaults.
func (r Rules) WithDefaults() Rules {
	if len(r.ForbiddenKeywords) == 0 {
		r.ForbiddenKeywords = DefaultForbiddenKeywords
	}
	if len(r.ForbiddenFunctions) == 0 {
		r.ForbiddenFunctions = DefaultForbiddenFunctions
	}
	if r.ForbiddenFunctionPrefixes == nil {
		r.ForbiddenFunctionPrefixes = DefaultForbiddenFunctionPrefixes
	}
	if len(r.SystemSchemas) == 0 {
		r.SystemSchemas = DefaultSystemSchemas
	}
	if r.SystemTablePrefixes == nil {
		r.SystemTablePrefixes = DefaultSystemTablePrefixes
	}
	if r.Cost == (CostWeights{}) {
		r.Cost = DefaultCostWeights
	}
	if r.Cost.Ceiling == 0 {
		r.Cost.Ceiling = DefaultCostWeights.Ceiling
	}
	if r.Warnings.LargeLimit == 0 {
		r.Warnings.LargeLimit = 10000
	}
	if r.Warnings.ManyJoins == 0 {
		r.Warnings.ManyJoins = 3
	}
	return r
}

// Validate checks field values. It is called on defaulted rules.
func (r Rules) Validate() error {
	for key, class := range r.PIIColumns {
		table, col, ok := strings.Cut(key, ".")
		if !ok || table == "" || col == "" || strings.Contains(col, ".") {
			return domain.ErrConfig("policy", "pii_columns", "key %q must be table.column", key)
		}
		if strings.TrimSpace(class) == "" {
			return domain.ErrConfig("policy", "pii_columns."+key, "classification is required")
		}
	}
	for name, spec := range r.Roles {
		if strings.TrimSpace(name) == "" {
			return domain.ErrConfig("policy", "roles", "role name must not be empty")
		}
		for _, p := range spec.PII {
			if p != "*" && !strings.Contains(p, ".") {
				return domain.ErrConfig("policy", fmt.Sprintf("roles.%s.pii", name), "entry %q must be *, table.* or table.column", p)
			}
		}
	}
	c := r.Cost
	for field, v := range map[string]int{
		"ceiling": c.Ceiling, "base": c.Base, "join": c.Join, "subquery": c.Subquery,
		"group_by": c.GroupBy, "order_by": c.OrderBy, "window": c.Window,
		"unbounded_range": c.UnboundedRange, "range_month": c.RangeMonth,
	} {
		if v < 0 {
			return domain.ErrConfig("policy", "cost."+field, "must not be negative")
		}
	}
	if c.Ceiling <= 0 {
		return domain.ErrConfig("policy", "cost.ceiling", "must be positive")
	}
	if r.Warnings.LargeLimit < 0 || r.Warnings.ManyJoins < 0 {
		return domain.ErrConfig("policy", "warnings", "thresholds must not be negative")
	}
	return nil
}
