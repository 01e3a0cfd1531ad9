package sqlscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bi-gateway/internal/domain"
)

func TestCheckBounded(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		limit int
		ok    bool
	}{
		{"injected_limit", "SELECT region FROM stores LIMIT 1000", 1000, true},
		{"trailing_semicolon", "SELECT region FROM stores LIMIT 10;", 10, true},
		{"clamped_in_place", "SELECT region FROM stores LIMIT 10 OFFSET 5", 0, true},
		{"wrapped", "SELECT * FROM (SELECT region FROM stores LIMIT ALL) AS bounded_result LIMIT 30", 30, true},
		{"second_statement", "SELECT 1; DROP TABLE sales LIMIT 10", 10, false},
		{"escape_string_split", `SELECT region FROM stores WHERE region = E'\''; DROP TABLE sales LIMIT 10`, 10, false},
		{"limit_in_comment", "SELECT region FROM stores -- LIMIT 10", 10, false},
		{"limit_in_string", "SELECT region FROM stores WHERE region = ' LIMIT 10'", 10, false},
		{"wrong_limit", "SELECT region FROM stores LIMIT 5000", 10, false},
		{"unterminated", "SELECT region FROM stores WHERE region = 'x LIMIT 10", 10, false},
		{"empty", " ; ", 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckBounded(tc.sql, tc.limit)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var ae *domain.AnalysisError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, domain.AnalysisMalformed, ae.Kind)
		})
	}
}
