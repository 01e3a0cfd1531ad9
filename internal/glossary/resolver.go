package glossary

import (
	"sort"
	"strings"
	"unicode"

	"bi-gateway/internal/domain"
)

// Resolver answers term lookups against a loaded glossary. It is built once
// and never mutated, so it is safe for concurrent use.
type Resolver struct {
	version  string
	entries  map[string]domain.GlossaryEntry // canonical term -> entry
	folded   map[string]string               // folded term or synonym -> canonical term
	maxWords int
	tables   []domain.TableSchema
	pii      []string
}

// New builds a Resolver from a validated document.
func New(doc *Document) (*Resolver, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		version: doc.Version,
		entries: make(map[string]domain.GlossaryEntry, len(doc.Terms)),
		folded:  make(map[string]string),
	}

	keys := make([]string, 0, len(doc.Terms))
	for k := range doc.Terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := doc.Terms[key]
		name := spec.CanonicalName
		if name == "" {
			name = key
		}
		entry := domain.GlossaryEntry{
			Term:           name,
			Fragment:       strings.TrimSpace(spec.Expression),
			Category:       strings.ToLower(spec.Category),
			Synonyms:       spec.Synonyms,
			Description:    spec.Description,
			RequiredTables: lowerAll(spec.RequiredTables),
			DefaultGrain:   spec.DefaultGrain,
			Owner:          spec.Owner,
		}
		r.entries[name] = entry
		// First definition wins when two terms share a synonym.
		for _, alias := range append([]string{name, key}, spec.Synonyms...) {
			f := fold(alias)
			if f == "" {
				continue
			}
			if _, taken := r.folded[f]; !taken {
				r.folded[f] = name
			}
			if n := len(strings.Fields(f)); n > r.maxWords {
				r.maxWords = n
			}
		}
	}

	names := make([]string, 0, len(doc.Tables))
	for n := range doc.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		spec := doc.Tables[n]
		schema := domain.TableSchema{Name: strings.ToLower(n), Description: spec.Description}
		for _, c := range spec.Columns {
			col := domain.ColumnSchema{
				Name:        strings.ToLower(c.Name),
				Type:        c.Type,
				Description: c.Description,
				PII:         c.IsPII,
			}
			schema.Columns = append(schema.Columns, col)
			if c.IsPII {
				r.pii = append(r.pii, schema.Name+"."+col.Name)
			}
		}
		r.tables = append(r.tables, schema)
	}
	return r, nil
}

// Version returns the glossary document version.
func (r *Resolver) Version() string { return r.version }

// Resolve looks a term up by exact canonical name first, then
// case-insensitively across canonical names and synonyms.
func (r *Resolver) Resolve(term string) (domain.GlossaryEntry, bool) {
	if e, ok := r.entries[term]; ok {
		return e, true
	}
	if name, ok := r.folded[fold(term)]; ok {
		return r.entries[name], true
	}
	return domain.GlossaryEntry{}, false
}

// Entries returns all entries sorted by term.
func (r *Resolver) Entries() []domain.GlossaryEntry {
	out := make([]domain.GlossaryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// Tables returns the table mappings sorted by name.
func (r *Resolver) Tables() []domain.TableSchema { return r.tables }

// PermittedTables returns the names of all mapped tables.
func (r *Resolver) PermittedTables() []string {
	out := make([]string, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t.Name)
	}
	return out
}

// PIIColumns returns "table.column" for every column flagged as PII.
func (r *Resolver) PIIColumns() []string { return r.pii }

// NewSession starts a per-request lookup session.
func (r *Resolver) NewSession() *Session {
	return &Session{r: r, seen: map[string]bool{}}
}

// Context builds the generation context for the terms matched in s.
func (r *Resolver) Context(s *Session) domain.GenerationContext {
	return domain.GenerationContext{
		Terms:           s.Matched(),
		PermittedTables: r.PermittedTables(),
		PIIColumns:      r.PIIColumns(),
		Schemas:         r.tables,
	}
}

// fold lowercases s and collapses punctuation and whitespace runs to single
// spaces, so "Net-Margin" and "net margin" compare equal.
func fold(s string) string {
	return strings.Join(words(s), " ")
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
