package policy

import "strings"

// Role defines which tables a caller may read and which PII columns it is
// cleared to see.
type Role struct {
	Name          string
	AllowedTables []string // table names, or ["*"] for wildcard
	DeniedTables  []string // explicit deny (overrides allow)
	PIIClearance  []string // "table.column", "table.*", or "*"
}

// CanAccess returns true if this role is allowed to access the given table.
// Deny list takes precedence over allow list. Names match either the full
// qualified name or its last segment.
func (r *Role) CanAccess(table string) bool {
	for _, d := range r.DeniedTables {
		if tableMatches(d, table) {
			return false
		}
	}
	for _, a := range r.AllowedTables {
		if a == "*" || tableMatches(a, table) {
			return true
		}
	}
	return false
}

// Cleared reports whether the role may see table.column.
func (r *Role) Cleared(table, column string) bool {
	for _, p := range r.PIIClearance {
		if p == "*" {
			return true
		}
		pt, pc, _ := strings.Cut(p, ".")
		if tableMatches(pt, table) && (pc == "*" || pc == column) {
			return true
		}
	}
	return false
}

func tableMatches(pattern, table string) bool {
	if pattern == table {
		return true
	}
	if i := strings.LastIndexByte(table, '.'); i >= 0 && table[i+1:] == pattern {
		return true
	}
	return false
}
