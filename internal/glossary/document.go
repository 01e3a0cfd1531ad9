// Package glossary maps business vocabulary to SQL fragments.
package glossary

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"bi-gateway/internal/domain"
)

// Term categories accepted in glossary documents.
var validCategories = map[string]bool{
	"financial": true,
	"time":      true,
	"product":   true,
	"location":  true,
	"customer":  true,
	"sales":     true,
}

// Document is the on-disk glossary format.
type Document struct {
	Version     string               `yaml:"version"`
	LastUpdated string               `yaml:"last_updated"`
	Terms       map[string]TermSpec  `yaml:"terms"`
	Tables      map[string]TableSpec `yaml:"table_mappings"`
}

// TermSpec defines one business term.
type TermSpec struct {
	CanonicalName  string   `yaml:"canonical_name"`
	Synonyms       []string `yaml:"synonyms"`
	Expression     string   `yaml:"expression"`
	Description    string   `yaml:"description"`
	RequiredTables []string `yaml:"required_tables"`
	DefaultGrain   string   `yaml:"default_grain"`
	Owner          string   `yaml:"owner"`
	Category       string   `yaml:"category"`
	IsPII          bool     `yaml:"is_pii"`
}

// TableSpec describes a queryable table.
type TableSpec struct {
	Description string       `yaml:"description"`
	Columns     []ColumnSpec `yaml:"columns"`
}

// ColumnSpec describes one column of a TableSpec.
type ColumnSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	IsPII       bool   `yaml:"is_pii"`
}

// Parse decodes a glossary document, rejecting unknown fields.
func Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrConfig("glossary", "", "document is empty")
		}
		return nil, domain.ErrConfig("glossary", "", "parse: %v", err)
	}
	return &doc, nil
}

// Validate checks the document for missing or inconsistent fields.
func (d *Document) Validate() error {
	if len(d.Terms) == 0 {
		return domain.ErrConfig("glossary", "terms", "at least one term is required")
	}
	tables := make(map[string]bool, len(d.Tables))
	for name := range d.Tables {
		tables[strings.ToLower(name)] = true
	}
	for key, t := range d.Terms {
		field := "terms." + key
		if strings.TrimSpace(t.Expression) == "" {
			return domain.ErrConfig("glossary", field+".expression", "expression is required")
		}
		if t.Category != "" && !validCategories[strings.ToLower(t.Category)] {
			return domain.ErrConfig("glossary", field+".category", "unknown category %q", t.Category)
		}
		for _, tbl := range t.RequiredTables {
			if len(tables) > 0 && !tables[strings.ToLower(tbl)] {
				return domain.ErrConfig("glossary", field+".required_tables", "table %q has no table mapping", tbl)
			}
		}
	}
	for name, tbl := range d.Tables {
		seen := map[string]bool{}
		for i, c := range tbl.Columns {
			if c.Name == "" {
				return domain.ErrConfig("glossary", fmt.Sprintf("table_mappings.%s.columns[%d]", name, i), "name is required")
			}
			lc := strings.ToLower(c.Name)
			if seen[lc] {
				return domain.ErrConfig("glossary", "table_mappings."+name, "duplicate column %q", c.Name)
			}
			seen[lc] = true
		}
	}
	return nil
}
