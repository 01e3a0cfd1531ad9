package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/sqlscan"
)

func testRules() Rules {
	return Rules{
		PermittedTables: []string{"sales", "stores", "customers", "t1", "t2", "t3", "t4"},
		PIIColumns: map[string]string{
			"sales.customer_id": "customer_identifier",
			"customers.email":   "contact",
			"customers.phone":   "contact",
		},
		Roles: map[string]RoleSpec{
			"analyst": {},
			"admin":   {PII: []string{"*"}},
			"support": {PII: []string{"customers.email", "customers.phone"}},
			"finance": {PII: []string{"sales.*"}},
			"limited": {Tables: []string{"sales"}, DenyTables: []string{"customers"}},
		},
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testRules())
	require.NoError(t, err)
	return v
}

func validate(t *testing.T, v *Validator, sql, role string) *domain.ValidationResult {
	t.Helper()
	stmt, err := sqlscan.Analyze(sql)
	require.NoError(t, err, "sql: %s", sql)
	return v.Validate(stmt, role)
}

func warningIDs(res *domain.ValidationResult) []string {
	var ids []string
	for _, w := range res.Warnings() {
		ids = append(ids, w.RuleID)
	}
	return ids
}

func TestValidate_PIIGuard(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		sql     string
		role    string
		reasons []string
	}{
		{"uncleared_column", "SELECT customer_id, revenue FROM sales", "analyst", []string{"pii_access:sales.customer_id"}},
		{"admin_cleared", "SELECT customer_id, revenue FROM sales", "admin", []string{}},
		{"table_wildcard_clearance", "SELECT customer_id FROM sales", "finance", []string{}},
		{"unknown_role_not_cleared", "SELECT customer_id FROM sales", "intern", []string{"pii_access:sales.customer_id"}},
		{"role_name_case", "SELECT customer_id FROM sales", "ADMIN", []string{}},
		{"wildcard_expands", "SELECT * FROM customers", "analyst", []string{"pii_access:customers.email", "pii_access:customers.phone"}},
		{"qualified_star", "SELECT c.* FROM customers c", "analyst", []string{"pii_access:customers.email", "pii_access:customers.phone"}},
		{"alias_qualified", "SELECT c.email FROM customers c", "support", []string{}},
		{"alias_qualified_uncleared", "SELECT c.email FROM customers c", "finance", []string{"pii_access:customers.email"}},
		{"unqualified_in_join", "SELECT email, s.revenue FROM sales s JOIN customers c ON s.store_id = c.id", "analyst", []string{"pii_access:customers.email"}},
		{"in_where_clause", "SELECT revenue FROM sales WHERE customer_id = 42", "analyst", []string{"pii_access:sales.customer_id"}},
		{"schema_qualified_table", "SELECT customer_id FROM analytics.sales", "analyst", []string{"pii_access:sales.customer_id"}},
		{"through_cte_wildcard", "WITH x AS (SELECT * FROM customers) SELECT region FROM x", "analyst", []string{"pii_access:customers.email", "pii_access:customers.phone"}},
		{"whole_row_alias", "SELECT s FROM sales s", "analyst", []string{"pii_access:sales.customer_id"}},
		{"whole_row_to_json", "SELECT to_json(s) FROM sales s", "analyst", []string{"pii_access:sales.customer_id"}},
		{"whole_row_table_name", "SELECT row_to_json(sales) FROM sales", "analyst", []string{"pii_access:sales.customer_id"}},
		{"whole_row_cleared", "SELECT s FROM sales s", "finance", []string{}},
		{"columns_star", "SELECT COLUMNS(*) FROM customers", "analyst", []string{"pii_access:customers.email", "pii_access:customers.phone"}},
		{"columns_pattern", "SELECT COLUMNS('customer.*') FROM sales", "analyst", []string{"pii_access:sales.customer_id"}},
		{"star_argument", "SELECT struct_pack(*) FROM customers", "analyst", []string{"pii_access:customers.email", "pii_access:customers.phone"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := validate(t, v, tc.sql, tc.role)
			assert.Equal(t, tc.reasons, res.Reasons())
			assert.Equal(t, len(tc.reasons) == 0, res.Approved())
			assert.Len(t, res.PIIColumns, len(tc.reasons))
		})
	}
}

func TestValidate_DisallowedOperations(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		sql     string
		reasons []string
	}{
		{"drop", "DROP TABLE sales", []string{"disallowed_operation:DROP"}},
		{"drop_lowercase", "drop table sales", []string{"disallowed_operation:DROP"}},
		{"drop_commented", "/* cleanup */ DrOp TABLE sales", []string{"disallowed_operation:DROP"}},
		{"drop_line_comment", "-- nightly\nDROP TABLE sales;", []string{"disallowed_operation:DROP"}},
		{"delete", "DELETE FROM sales WHERE 1=1", []string{"disallowed_operation:DELETE"}},
		{"update", "UPDATE sales SET revenue = 0", []string{"disallowed_operation:UPDATE"}},
		{"grant", "GRANT SELECT ON sales TO public", []string{"disallowed_operation:GRANT"}},
		{"cte_delete", "WITH x AS (SELECT 1) DELETE FROM sales", []string{"disallowed_operation:DELETE"}},
		{"stacked", "SELECT 1; DELETE FROM sales", []string{"disallowed_operation:DELETE", "multiple_statements"}},
		{"stacked_obfuscated", "SELECT 1; dRoP/**/TABLE sales", []string{"disallowed_operation:DROP", "multiple_statements"}},
		{"stacked_after_escape_string", `SELECT region FROM stores WHERE region = E'\''; DROP TABLE sales; --'`, []string{"disallowed_operation:DROP", "multiple_statements"}},
		{"select_into", "SELECT revenue INTO backup FROM sales", []string{"disallowed_operation:INTO"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := validate(t, v, tc.sql, "admin")
			assert.Equal(t, domain.DecisionRejected, res.Decision)
			assert.Equal(t, tc.reasons, res.Reasons())
			assert.True(t, res.SecurityRelevant())
		})
	}
}

func TestValidate_Functions(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		sql     string
		reasons []string
	}{
		{"sleep", "SELECT pg_sleep(5)", []string{"disallowed_function:pg_sleep"}},
		{"qualified_sleep", "SELECT pg_catalog.pg_sleep(1)", []string{"disallowed_function:pg_catalog.pg_sleep"}},
		{"file_reader", "SELECT * FROM read_csv('/etc/passwd')", []string{"disallowed_function:read_csv"}},
		{"file_literal", "SELECT * FROM '/etc/passwd'", []string{"disallowed_function:read_file:/etc/passwd"}},
		{"metadata_function", "SELECT * FROM duckdb_settings()", []string{"disallowed_function:duckdb_settings"}},
		{"aggregates_allowed", "SELECT SUM(revenue), COUNT(*) FROM sales", []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := validate(t, v, tc.sql, "admin")
			assert.Equal(t, tc.reasons, res.Reasons())
		})
	}
}

func TestValidate_Tables(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		sql     string
		role    string
		reasons []string
	}{
		{"information_schema", "SELECT table_name FROM information_schema.tables", "admin", []string{"system_catalog:information_schema.tables"}},
		{"pg_prefix", "SELECT tablename FROM pg_tables", "admin", []string{"system_catalog:pg_tables"}},
		{"sqlite_master", "SELECT name FROM sqlite_master", "admin", []string{"system_catalog:sqlite_master"}},
		{"not_permitted", "SELECT x FROM secrets", "admin", []string{"table_not_permitted:secrets"}},
		{"role_allow_list", "SELECT region FROM stores", "limited", []string{"table_not_permitted:stores"}},
		{"role_deny_wins", "SELECT region FROM customers", "limited", []string{"table_not_permitted:customers"}},
		{"role_allowed", "SELECT revenue FROM sales", "limited", []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := validate(t, v, tc.sql, tc.role)
			assert.Equal(t, tc.reasons, res.Reasons())
		})
	}
}

func TestValidate_CollectsAllBlockingViolations(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	res := validate(t, v, "SELECT customer_id, pg_sleep(1) FROM sales JOIN secrets ON 1=1; DROP TABLE sales", "analyst")
	assert.Equal(t, []string{
		"disallowed_operation:DROP",
		"multiple_statements",
		"disallowed_function:pg_sleep",
		"table_not_permitted:secrets",
		"pii_access:sales.customer_id",
	}, res.Reasons())
}

func TestValidate_CostGuard(t *testing.T) {
	t.Parallel()

	rules := testRules()
	rules.Cost = CostWeights{Ceiling: 100, Base: 10, Join: 50}
	v, err := NewValidator(rules)
	require.NoError(t, err)

	res := validate(t, v, "SELECT a FROM t1 JOIN t2 ON t1.id = t2.id", "admin")
	assert.True(t, res.Approved())
	assert.Equal(t, 60, res.CostScore)

	res = validate(t, v, "SELECT a FROM t1 JOIN t2 ON t1.id = t2.id JOIN t3 ON t2.id = t3.id", "admin")
	assert.False(t, res.Approved())
	assert.Equal(t, []string{"cost_exceeded"}, res.Reasons())
	assert.Equal(t, 110, res.CostScore)
	assert.False(t, res.SecurityRelevant())
	assert.NotContains(t, warningIDs(res), "many_joins")
}

func TestValidate_UnboundedRangeCost(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	bounded := validate(t, v, "SELECT SUM(revenue) FROM sales WHERE sale_date >= CURRENT_DATE - INTERVAL '7 days'", "admin")
	unbounded := validate(t, v, "SELECT SUM(revenue) FROM sales WHERE sale_date >= '2010-01-01'", "admin")
	assert.Equal(t, 10, bounded.CostScore)
	assert.Equal(t, 310, unbounded.CostScore)
	assert.True(t, unbounded.Approved())
}

func TestCost(t *testing.T) {
	t.Parallel()

	stmt := &domain.Statement{
		JoinCount:       2,
		Subqueries:      1,
		Windows:         1,
		HasGroupBy:      true,
		HasOrderBy:      true,
		UnboundedRanges: 1,
		RangeDays:       45,
	}
	// 10 + 2*50 + 200 + 150 + 100 + 50 + 300 + 5*2
	assert.Equal(t, 910, Cost(stmt, DefaultCostWeights))
	assert.Equal(t, 10, Cost(&domain.Statement{}, DefaultCostWeights))
}

func TestValidate_Warnings(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		sql      string
		warnings []string
	}{
		{"wildcard", "SELECT * FROM stores", []string{"wildcard_select"}},
		{"large_limit", "SELECT region FROM stores LIMIT 50000", []string{"large_limit"}},
		{"non_numeric_limit", "SELECT region FROM stores LIMIT ALL", []string{"non_numeric_limit"}},
		{"positional", "SELECT region, COUNT(*) FROM stores GROUP BY 1 ORDER BY 2", []string{"positional_order_by"}},
		{"many_joins", "SELECT a FROM t1 JOIN t2 ON t1.id = t2.id JOIN t3 ON t2.id = t3.id JOIN t4 ON t3.id = t4.id", []string{"many_joins"}},
		{"clean", "SELECT region FROM stores LIMIT 10", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := validate(t, v, tc.sql, "admin")
			assert.True(t, res.Approved(), "warnings never block")
			assert.Equal(t, tc.warnings, warningIDs(res))
		})
	}
}

func TestValidate_Idempotent(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	sql := "SELECT * FROM sales s JOIN customers c ON s.customer_id = c.id ORDER BY 1"
	first := validate(t, v, sql, "analyst")
	second := validate(t, v, sql, "analyst")
	assert.Equal(t, first, second)
}

func TestUnparsable(t *testing.T) {
	t.Parallel()

	_, err := sqlscan.Analyze("SELECT (revenue FROM sales")
	require.Error(t, err)

	res := Unparsable(err)
	assert.Equal(t, domain.DecisionRejected, res.Decision)
	assert.Equal(t, []string{"unparsable"}, res.Reasons())
	assert.Contains(t, res.Violations[0].Message, "unbalanced")
}

func TestUnclearedColumns(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	assert.Equal(t, map[string]bool{"email": true, "phone": true}, v.UnclearedColumns([]string{"customers"}, "analyst"))
	assert.Empty(t, v.UnclearedColumns([]string{"customers"}, "support"))
	assert.Equal(t, map[string]bool{"customer_id": true}, v.UnclearedColumns([]string{"sales", "stores"}, "support"))
}

func TestRules_Validate(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		field string
	}{
		{"pii_key_without_table", Rules{PIIColumns: map[string]string{"email": "contact"}}, "pii_columns"},
		{"pii_empty_class", Rules{PIIColumns: map[string]string{"c.email": " "}}, "pii_columns.c.email"},
		{"role_pii_entry", Rules{Roles: map[string]RoleSpec{"a": {PII: []string{"email"}}}}, "roles.a.pii"},
		{"negative_weight", Rules{Cost: CostWeights{Ceiling: 10, Join: -1}}, "cost.join"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewValidator(tc.rules)
			require.Error(t, err)
			var ce *domain.ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestRole_CanAccess(t *testing.T) {
	t.Parallel()

	admin := &Role{Name: "admin", AllowedTables: []string{"*"}}
	for _, table := range []string{"sales", "secret_data", "analytics.anything"} {
		assert.True(t, admin.CanAccess(table), table)
	}

	deny := &Role{Name: "deny_override", AllowedTables: []string{"*"}, DeniedTables: []string{"secret_data"}}
	assert.True(t, deny.CanAccess("sales"))
	assert.False(t, deny.CanAccess("secret_data"))
	assert.False(t, deny.CanAccess("warehouse.secret_data"), "deny matches the short name")

	none := &Role{Name: "no_access", AllowedTables: []string{}}
	assert.False(t, none.CanAccess("sales"))

	scoped := &Role{Name: "scoped", AllowedTables: []string{"sales"}}
	assert.True(t, scoped.CanAccess("analytics.sales"))
	assert.False(t, scoped.CanAccess("stores"))
}

func TestRole_Cleared(t *testing.T) {
	t.Parallel()

	r := &Role{PIIClearance: []string{"customers.email", "sales.*"}}
	assert.True(t, r.Cleared("customers", "email"))
	assert.False(t, r.Cleared("customers", "phone"))
	assert.True(t, r.Cleared("sales", "customer_id"))
	assert.True(t, r.Cleared("crm.customers", "email"))
	assert.False(t, (&Role{}).Cleared("sales", "customer_id"))
}
