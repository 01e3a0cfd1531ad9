package engine

import (
	"strconv"

	"bi-gateway/internal/domain"
)

// Bounded is a statement rewritten so it cannot return more than Applied rows.
type Bounded struct {
	SQL       string
	Applied   int
	Injected  bool
	Truncated bool
}

// Bound applies the row cap. This is the only rewrite the gateway makes:
// a missing LIMIT is appended, a larger numeric LIMIT is clamped in place
// and a non-numeric LIMIT is wrapped by an outer bounded select.
func Bound(stmt *domain.Statement, rowCap int) Bounded {
	body := stmt.Body()
	n := strconv.Itoa(rowCap)

	l := stmt.Limit
	switch {
	case l == nil:
		return Bounded{SQL: body + " LIMIT " + n, Applied: rowCap, Injected: true}
	case !l.Numeric:
		return Bounded{SQL: "SELECT * FROM (" + body + ") AS bounded_result LIMIT " + n, Applied: rowCap, Injected: true}
	case l.Value > int64(rowCap):
		if l.Start < 0 || l.End > len(body) || l.Start >= l.End {
			return Bounded{SQL: "SELECT * FROM (" + body + ") AS bounded_result LIMIT " + n, Applied: rowCap, Truncated: true}
		}
		return Bounded{SQL: body[:l.Start] + n + body[l.End:], Applied: rowCap, Truncated: true}
	default:
		return Bounded{SQL: body, Applied: int(l.Value)}
	}
}
