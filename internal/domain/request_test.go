package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryRequest(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		id       string
		question string
		caller   string
		maxRows  int
		wantErr  string
	}{
		{name: "valid", question: "revenue by region", caller: "u1", maxRows: 100},
		{name: "keeps upstream id", id: "req-1", question: "revenue", caller: "u1"},
		{name: "blank question", question: "   ", caller: "u1", wantErr: "question is required"},
		{name: "missing caller", question: "revenue", wantErr: "caller id is required"},
		{name: "negative max rows", question: "revenue", caller: "u1", maxRows: -1, wantErr: "max_rows must not be negative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, err := NewQueryRequest(tc.id, tc.question, tc.caller, " analyst ", tc.maxRows, now)
			if tc.wantErr != "" {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tc.wantErr, ve.Message)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, req.ID)
			if tc.id != "" {
				assert.Equal(t, tc.id, req.ID)
			}
			assert.Equal(t, "analyst", req.Role)
			assert.Equal(t, now, req.SubmittedAt)
			assert.Equal(t, tc.maxRows, req.MaxRows)
		})
	}
}

func TestNewQueryRequest_UniqueIDs(t *testing.T) {
	t.Parallel()

	a, err := NewQueryRequest("", "q", "u", "", 0, time.Now())
	require.NoError(t, err)
	b, err := NewQueryRequest("", "q", "u", "", 0, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
