package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"bi-gateway/internal/domain"
)

// GoldenQuery is a reviewed question and the SQL that answers it.
type GoldenQuery struct {
	ID              string   `yaml:"id"`
	NaturalLanguage string   `yaml:"natural_language"`
	ExpectedSQL     string   `yaml:"expected_sql"`
	BusinessTerms   []string `yaml:"business_terms"`
	TablesUsed      []string `yaml:"tables_used"`
	Difficulty      string   `yaml:"difficulty"`
}

type goldenFile struct {
	Version string        `yaml:"version"`
	Queries []GoldenQuery `yaml:"queries"`
}

// GoldenGenerator answers questions from a fixed set of golden queries. It
// needs no model and is the demo-mode generator.
type GoldenGenerator struct {
	queries []GoldenQuery
	// minScore is the lowest match score accepted.
	minScore int
}

// LoadGolden reads golden queries from a YAML file.
func LoadGolden(path string) (*GoldenGenerator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ErrConfig("golden", "", "read %s: %v", path, err)
	}
	return ParseGolden(data)
}

// ParseGolden decodes golden queries and checks each has an id, a question
// and SQL.
func ParseGolden(data []byte) (*GoldenGenerator, error) {
	var f goldenFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrConfig("golden", "", "document is empty")
		}
		return nil, domain.ErrConfig("golden", "", "parse: %v", err)
	}
	if len(f.Queries) == 0 {
		return nil, domain.ErrConfig("golden", "queries", "at least one query is required")
	}
	seen := make(map[string]bool, len(f.Queries))
	for i, q := range f.Queries {
		field := fmt.Sprintf("queries[%d]", i)
		switch {
		case q.ID == "":
			return nil, domain.ErrConfig("golden", field+".id", "is required")
		case seen[q.ID]:
			return nil, domain.ErrConfig("golden", field+".id", "duplicate id %q", q.ID)
		case strings.TrimSpace(q.NaturalLanguage) == "":
			return nil, domain.ErrConfig("golden", field+".natural_language", "is required")
		case strings.TrimSpace(q.ExpectedSQL) == "":
			return nil, domain.ErrConfig("golden", field+".expected_sql", "is required")
		}
		seen[q.ID] = true
	}
	return &GoldenGenerator{queries: f.Queries, minScore: 2}, nil
}

// Queries returns the loaded golden queries.
func (g *GoldenGenerator) Queries() []GoldenQuery { return g.queries }

// Generate implements domain.Generator. It picks the golden query whose
// business terms and wording best overlap the question; ties go to the
// earlier entry.
func (g *GoldenGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrGeneration(err, "golden lookup")
	}
	q, ok := g.Match(req.Question, req.Context.Terms)
	if !ok {
		return nil, domain.ErrGeneration(nil, "no golden query matches the question")
	}
	return &domain.GenerationResult{
		SQL:        strings.TrimSpace(q.ExpectedSQL),
		Model:      "golden/" + q.ID,
		Confidence: 1,
	}, nil
}

// Match returns the best golden query for question. matched are the glossary
// entries already found in the question, so synonyms in any language count
// toward the canonical business terms.
func (g *GoldenGenerator) Match(question string, matched []domain.GlossaryEntry) (GoldenQuery, bool) {
	folded := foldPhrase(question)
	qWords := make(map[string]bool)
	for _, w := range tokenize(folded) {
		qWords[w] = true
	}
	terms := make(map[string]bool, len(matched))
	for _, e := range matched {
		terms[foldPhrase(e.Term)] = true
	}

	best, bestScore := -1, 0
	for i, q := range g.queries {
		if foldPhrase(q.NaturalLanguage) == folded {
			return q, true
		}
		score := 0
		for _, t := range q.BusinessTerms {
			t = foldPhrase(t)
			if terms[t] || strings.Contains(folded, t) {
				score += 2
			}
		}
		for _, w := range tokenize(foldPhrase(q.NaturalLanguage)) {
			if len([]rune(w)) >= 3 && qWords[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < g.minScore {
		return GoldenQuery{}, false
	}
	return g.queries[best], true
}

// foldPhrase lowercases s, turns underscores into spaces and collapses
// whitespace.
func foldPhrase(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var _ domain.Generator = (*GoldenGenerator)(nil)
