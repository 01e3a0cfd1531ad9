package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "bi-gateway/internal/db"
	"bi-gateway/internal/db/repository"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/testutil"
)

func TestHashSQL(t *testing.T) {
	t.Parallel()

	a := HashSQL("select region from sales limit 10")
	assert.Len(t, a, 16)
	assert.Equal(t, a, HashSQL("SELECT  region\n  FROM sales LIMIT 10;"))
	assert.NotEqual(t, a, HashSQL("select region from sales limit 11"))
	assert.Empty(t, HashSQL(""))
}

func TestLogEmitter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := NewLogEmitter(slog.New(slog.NewJSONHandler(&buf, nil)))

	e.Emit(context.Background(), domain.AuditEvent{
		RequestID:  "r1",
		CallerID:   "alice",
		Action:     "QUERY",
		Status:     domain.AuditDenied,
		Reason:     "policy_violation",
		Violations: []string{"pii_access"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "alice", line["caller_id"])
	assert.Equal(t, []any{"pii_access"}, line["violations"])
}

func TestRepoEmitter(t *testing.T) {
	t.Parallel()
	s := internaldb.OpenTestStore(t)
	repo := repository.NewAuditRepo(s.Write, s.Read)
	e := NewRepoEmitter(repo, slog.New(slog.DiscardHandler))

	// a cancelled request still gets audited
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, domain.AuditEvent{
		RequestID: "r1", CallerID: "alice", Action: "QUERY",
		Status: domain.AuditAllowed, CreatedAt: time.Now(),
	})

	events, total, err := repo.List(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "r1", events[0].RequestID)
}

type failingRepo struct{}

func (failingRepo) Insert(context.Context, domain.AuditEvent) error { return errors.New("disk I/O error") }
func (failingRepo) List(context.Context, domain.AuditFilter) ([]domain.AuditEvent, int64, error) {
	return nil, 0, nil
}

func TestRepoEmitter_ErrorIsLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := NewRepoEmitter(failingRepo{}, slog.New(slog.NewTextHandler(&buf, nil)))
	e.Emit(context.Background(), domain.AuditEvent{RequestID: "r9"})
	assert.Contains(t, buf.String(), "disk I/O error")
	assert.Contains(t, buf.String(), "request_id=r9")
}

func TestMultiEmitter(t *testing.T) {
	t.Parallel()
	a, b := &testutil.MockAuditEmitter{}, &testutil.MockAuditEmitter{}
	m := NewMultiEmitter(a, nil, b)

	m.Emit(context.Background(), domain.AuditEvent{RequestID: "r1", Status: domain.AuditError})

	for _, e := range []*testutil.MockAuditEmitter{a, b} {
		require.Len(t, e.Events, 1)
		assert.Equal(t, "r1", e.Events[0].RequestID)
		assert.False(t, e.Events[0].CreatedAt.IsZero())
		assert.True(t, e.HasStatus(domain.AuditError))
	}
}
