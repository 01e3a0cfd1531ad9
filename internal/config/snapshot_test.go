package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/explain"
)

const testGlossary = `
version: "3"
terms:
  revenue:
    synonyms: [turnover]
    expression: SUM(sales.revenue)
    required_tables: [sales]
    category: financial
table_mappings:
  sales:
    columns:
      - {name: revenue, type: DECIMAL}
      - {name: customer_id, type: INTEGER, is_pii: true}
  customers:
    columns:
      - {name: email, type: VARCHAR, is_pii: true}
`

const testPolicy = `
version: "7"
policy:
  pii_columns:
    customers.email: contact
  roles:
    analyst:
      deny_tables: [customers]
execution:
  hard_row_cap: 500
  timeout: 2s
confidence:
  baseline: 0.9
`

func TestBuildSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := BuildSnapshot([]byte(testPolicy), []byte(testGlossary), now)
	require.NoError(t, err)

	assert.Regexp(t, `^7\+3\.[0-9a-f]{12}$`, s.Version)
	assert.Equal(t, now, s.LoadedAt)

	assert.Equal(t, 500, s.Limits.HardRowCap)
	assert.Equal(t, 2*time.Second, s.Limits.Timeout)
	assert.Equal(t, engine.DefaultLimits.DefaultMaxRows, s.Limits.DefaultMaxRows)
	assert.InDelta(t, 0.9, s.Weights.Baseline, 1e-9)

	rules := s.Validator.Rules()
	assert.Equal(t, "contact", rules.PIIColumns["customers.email"], "explicit classification wins")
	assert.Equal(t, "glossary", rules.PIIColumns["sales.customer_id"])
	assert.ElementsMatch(t, []string{"customers", "sales"}, rules.PermittedTables)

	_, ok := s.Glossary.Resolve("turnover")
	assert.True(t, ok)
}

func TestBuildSnapshot_EmptyPolicyUsesDefaults(t *testing.T) {
	t.Parallel()
	s, err := BuildSnapshot(nil, []byte(testGlossary), time.Now())
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultLimits, s.Limits)
	assert.Equal(t, explain.DefaultWeights, s.Weights)
	assert.Regexp(t, `^0\+3\.[0-9a-f]{12}$`, s.Version)
}

func TestBuildSnapshot_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   string
		glossary string
		source   string
		field    string
	}{
		{"unknown policy field", "policy:\n  forbidden_kewords: [DROP]\n", testGlossary, "policy", ""},
		{"row cap below default", "execution:\n  hard_row_cap: 10\n", testGlossary, "execution", "execution.default_max_rows"},
		{"bad pii key", "policy:\n  pii_columns:\n    email: contact\n", testGlossary, "policy", "pii_columns"},
		{"bad confidence", "confidence:\n  baseline: 2\n", testGlossary, "confidence", "confidence.baseline"},
		{"empty glossary", "", "", "glossary", ""},
		{"term without expression", "", "terms:\n  revenue:\n    category: financial\n", "glossary", "terms.revenue.expression"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildSnapshot([]byte(tc.policy), []byte(tc.glossary), time.Now())
			var ce *domain.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.source, ce.Source)
			if tc.field != "" {
				assert.Equal(t, tc.field, ce.Field)
			}
			assert.Equal(t, "config_error", domain.ReasonCode(err))
		})
	}
}

func TestLoadSnapshot_ShippedConfigs(t *testing.T) {
	t.Parallel()
	s, err := LoadSnapshot("../../configs/policy.yaml", "../../configs/glossary.yaml")
	require.NoError(t, err)

	sum := s.Summarize()
	assert.Contains(t, sum.Roles, "analyst")
	assert.Contains(t, sum.PIIColumns, "customers.email")
	assert.ElementsMatch(t, []string{"customers", "products", "sales", "stores"}, sum.PermittedTables)
	assert.Positive(t, sum.Terms)
	assert.Equal(t, "30s", sum.Timeout)
}

func TestLoadSnapshot_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.yaml"), "../../configs/glossary.yaml")
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "policy", ce.Source)
}

func writeConfig(t *testing.T, dir, policy, glossary string) (string, string) {
	t.Helper()
	p := filepath.Join(dir, "policy.yaml")
	g := filepath.Join(dir, "glossary.yaml")
	require.NoError(t, os.WriteFile(p, []byte(policy), 0o600))
	require.NoError(t, os.WriteFile(g, []byte(glossary), 0o600))
	return p, g
}

func TestHolder_Reload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, g := writeConfig(t, dir, testPolicy, testGlossary)

	h, err := NewHolder(p, g, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	first := h.Current()
	assert.Equal(t, 500, first.Limits.HardRowCap)

	// invalid update keeps the previous snapshot
	writeConfig(t, dir, "execution:\n  hard_row_cap: -1\n", testGlossary)
	_, err = h.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, first, h.Current())

	writeConfig(t, dir, "execution:\n  hard_row_cap: 2000\n", testGlossary)
	next, err := h.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, next, h.Current())
	assert.Equal(t, 2000, next.Limits.HardRowCap)
	assert.NotEqual(t, first.Version, next.Version)

	// a request holding the old snapshot still sees its values
	assert.Equal(t, 500, first.Limits.HardRowCap)
}

func TestHolder_ConcurrentReload(t *testing.T) {
	t.Parallel()
	p, g := writeConfig(t, t.TempDir(), testPolicy, testGlossary)
	h, err := NewHolder(p, g, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.Reload(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, s)
			assert.NotNil(t, h.Current())
		}()
	}
	wg.Wait()
}

func TestNewHolder_InvalidStartup(t *testing.T) {
	t.Parallel()
	p, g := writeConfig(t, t.TempDir(), "policy: [", testGlossary)
	_, err := NewHolder(p, g, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestStaticHolder(t *testing.T) {
	t.Parallel()
	s, err := BuildSnapshot(nil, []byte(testGlossary), time.Now())
	require.NoError(t, err)
	h := NewStaticHolder(s)
	got, err := h.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, got)
}
