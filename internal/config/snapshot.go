package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/explain"
	"bi-gateway/internal/glossary"
	"bi-gateway/internal/policy"
)

// PolicyFile is the on-disk policy document.
type PolicyFile struct {
	Version    string          `yaml:"version"`
	Policy     policy.Rules    `yaml:"policy"`
	Execution  engine.Limits   `yaml:"execution"`
	Confidence explain.Weights `yaml:"confidence"`
}

// ParsePolicy decodes a policy document, rejecting unknown fields. An empty
// document yields all defaults.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	var f PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.ErrConfig("policy", "", "parse: %v", err)
	}
	return &f, nil
}

// Snapshot is one immutable, fully validated configuration. Requests read
// the snapshot current at their start for their whole lifetime.
type Snapshot struct {
	Version   string
	LoadedAt  time.Time
	Glossary  *glossary.Resolver
	Validator *policy.Validator
	Limits    engine.Limits
	Weights   explain.Weights
}

// LoadSnapshot reads and validates the policy and glossary files.
func LoadSnapshot(policyPath, glossaryPath string) (*Snapshot, error) {
	policyData, err := os.ReadFile(policyPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, domain.ErrConfig("policy", "", "read %s: %v", policyPath, err)
	}
	glossaryData, err := os.ReadFile(glossaryPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, domain.ErrConfig("glossary", "", "read %s: %v", glossaryPath, err)
	}
	return BuildSnapshot(policyData, glossaryData, time.Now())
}

// BuildSnapshot validates raw documents into a Snapshot. Glossary columns
// flagged as PII are added to the policy's PII set, and when the policy
// names no permitted tables the glossary's table mappings are used.
func BuildSnapshot(policyData, glossaryData []byte, now time.Time) (*Snapshot, error) {
	pf, err := ParsePolicy(policyData)
	if err != nil {
		return nil, err
	}
	doc, err := glossary.Parse(bytes.NewReader(glossaryData))
	if err != nil {
		return nil, err
	}
	g, err := glossary.New(doc)
	if err != nil {
		return nil, err
	}

	rules := mergeGlossary(pf.Policy, g)
	v, err := policy.NewValidator(rules)
	if err != nil {
		return nil, err
	}
	limits := pf.Execution.WithDefaults()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	weights := pf.Confidence.WithDefaults()
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.New()
	sum.Write(policyData)
	sum.Write([]byte{0})
	sum.Write(glossaryData)
	version := hex.EncodeToString(sum.Sum(nil))[:12]
	if pf.Version != "" || g.Version() != "" {
		version = fmt.Sprintf("%s+%s.%s", nonEmpty(pf.Version), nonEmpty(g.Version()), version)
	}

	return &Snapshot{
		Version:   version,
		LoadedAt:  now,
		Glossary:  g,
		Validator: v,
		Limits:    limits,
		Weights:   weights,
	}, nil
}

func mergeGlossary(r policy.Rules, g *glossary.Resolver) policy.Rules {
	pii := make(map[string]string, len(r.PIIColumns))
	for k, v := range r.PIIColumns {
		pii[strings.ToLower(k)] = v
	}
	for _, col := range g.PIIColumns() {
		key := strings.ToLower(col)
		if _, ok := pii[key]; !ok {
			pii[key] = "glossary"
		}
	}
	r.PIIColumns = pii
	if len(r.PermittedTables) == 0 {
		r.PermittedTables = g.PermittedTables()
	}
	return r
}

func nonEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Holder publishes the current Snapshot. Readers never block; Reload swaps
// in a new snapshot only when it validates, and concurrent reloads share
// one load.
type Holder struct {
	cur          atomic.Pointer[Snapshot]
	group        singleflight.Group
	policyPath   string
	glossaryPath string
	logger       *slog.Logger
}

// NewHolder performs the initial load. Startup fails on an invalid config.
func NewHolder(policyPath, glossaryPath string, logger *slog.Logger) (*Holder, error) {
	h := &Holder{policyPath: policyPath, glossaryPath: glossaryPath, logger: logger}
	s, err := LoadSnapshot(policyPath, glossaryPath)
	if err != nil {
		return nil, err
	}
	h.cur.Store(s)
	return h, nil
}

// NewStaticHolder wraps an already built snapshot. Reload re-reads nothing
// and keeps s.
func NewStaticHolder(s *Snapshot) *Holder {
	h := &Holder{logger: slog.New(slog.DiscardHandler)}
	h.cur.Store(s)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Snapshot { return h.cur.Load() }

// Reload loads the files again and swaps the snapshot in. On error the
// previous snapshot stays active and the error is returned.
func (h *Holder) Reload(ctx context.Context) (*Snapshot, error) {
	if h.policyPath == "" {
		return h.Current(), nil
	}
	ch := h.group.DoChan("reload", func() (any, error) {
		s, err := LoadSnapshot(h.policyPath, h.glossaryPath)
		if err != nil {
			h.logger.Warn("config reload rejected, keeping previous snapshot",
				"version", h.Current().Version, "error", err)
			return nil, err
		}
		prev := h.cur.Swap(s)
		h.logger.Info("config reloaded", "from", prev.Version, "to", s.Version)
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Summary describes a snapshot for `bigate config check`.
type Summary struct {
	Version         string   `json:"version"`
	Terms           int      `json:"terms"`
	PermittedTables []string `json:"permitted_tables"`
	PIIColumns      []string `json:"pii_columns"`
	Roles           []string `json:"roles"`
	DefaultMaxRows  int      `json:"default_max_rows"`
	HardRowCap      int      `json:"hard_row_cap"`
	Timeout         string   `json:"timeout"`
	CostCeiling     int      `json:"cost_ceiling"`
}

// Summarize returns the Summary of s.
func (s *Snapshot) Summarize() Summary {
	rules := s.Validator.Rules()
	pii := make([]string, 0, len(rules.PIIColumns))
	for k := range rules.PIIColumns {
		pii = append(pii, k)
	}
	sort.Strings(pii)
	roles := make([]string, 0, len(rules.Roles))
	for k := range rules.Roles {
		roles = append(roles, k)
	}
	sort.Strings(roles)
	return Summary{
		Version:         s.Version,
		Terms:           len(s.Glossary.Entries()),
		PermittedTables: rules.PermittedTables,
		PIIColumns:      pii,
		Roles:           roles,
		DefaultMaxRows:  s.Limits.DefaultMaxRows,
		HardRowCap:      s.Limits.HardRowCap,
		Timeout:         s.Limits.Timeout.String(),
		CostCeiling:     rules.Cost.Ceiling,
	}
}
