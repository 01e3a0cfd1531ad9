package glossary

import (
	"regexp"
	"strings"

	"bi-gateway/internal/domain"
)

// quotedPhrase matches "double-quoted" or «guillemet» phrases in a question.
// Callers quote a phrase to insist it is a business term.
var quotedPhrase = regexp.MustCompile(`"([^"]+)"|«([^»]+)»`)

// Session records which terms one request matched. It is not safe for
// concurrent use; create one per request.
type Session struct {
	r         *Resolver
	matched   []domain.GlossaryEntry
	unmatched []string
	seen      map[string]bool
}

// Resolve returns the SQL fragment for term. Unknown terms are returned
// verbatim with ok=false and recorded so they surface as assumptions.
func (s *Session) Resolve(term string) (fragment string, ok bool) {
	term = strings.TrimSpace(term)
	if term == "" {
		return "", false
	}
	e, ok := s.r.Resolve(term)
	if !ok {
		key := "?" + fold(term)
		if !s.seen[key] {
			s.seen[key] = true
			s.unmatched = append(s.unmatched, term)
		}
		return term, false
	}
	s.record(e)
	return e.Fragment, true
}

// MatchQuestion scans a question for known terms, preferring the longest
// phrase at each position. Quoted phrases are resolved as explicit terms
// and recorded as unmatched when unknown.
func (s *Session) MatchQuestion(question string) {
	for _, m := range quotedPhrase.FindAllStringSubmatch(question, -1) {
		phrase := m[1]
		if phrase == "" {
			phrase = m[2]
		}
		s.Resolve(phrase)
	}

	ws := words(question)
	for i := 0; i < len(ws); {
		n := min(s.r.maxWords, len(ws)-i)
		matched := false
		for ; n > 0; n-- {
			if name, ok := s.r.folded[strings.Join(ws[i:i+n], " ")]; ok {
				s.record(s.r.entries[name])
				i += n
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
}

// Matched returns the matched entries in first-match order.
func (s *Session) Matched() []domain.GlossaryEntry { return s.matched }

// Unmatched returns the terms that were requested but not found.
func (s *Session) Unmatched() []string { return s.unmatched }

// BusinessTerms returns the canonical names of matched entries.
func (s *Session) BusinessTerms() []string {
	out := make([]string, 0, len(s.matched))
	for _, e := range s.matched {
		out = append(out, e.Term)
	}
	return out
}

// MatchedCategory reports whether any matched entry has the category.
func (s *Session) MatchedCategory(category string) bool {
	for _, e := range s.matched {
		if e.Category == category {
			return true
		}
	}
	return false
}

func (s *Session) record(e domain.GlossaryEntry) {
	if s.seen[e.Term] {
		return
	}
	s.seen[e.Term] = true
	s.matched = append(s.matched, e)
}
