// Package llm holds the SQL generators. Their output is untrusted and is
// always analyzed and validated before anything runs.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"bi-gateway/internal/domain"
)

// SystemPrompt instructs a model to answer with one read-only statement
// between SQL markers, or a clarification request.
const SystemPrompt = `You are an expert SQL generator for business intelligence questions.
Convert the question into one safe, read-only SQL query.

RULES:
1. Generate ONLY a single SELECT query (WITH ... SELECT is allowed). Never INSERT, UPDATE, DELETE or DDL.
2. Use only the permitted tables and the columns listed in the table schemas.
3. Never select PII columns.
4. Use the business term expressions when the question mentions a term.
5. Qualify columns with their table name.
6. Put the SQL between <<<SQL>>> markers.
7. If the question is ambiguous, answer only with JSON: {"clarify": true, "questions": ["..."]}

EXAMPLE:
Question: Revenue by region last month
<<<SQL>>>
SELECT stores.region, SUM(sales.revenue) AS revenue
FROM sales
JOIN stores ON sales.store_id = stores.id
WHERE sales.sale_date >= date_trunc('month', current_date) - INTERVAL 1 MONTH
  AND sales.sale_date < date_trunc('month', current_date)
GROUP BY stores.region
ORDER BY revenue DESC
<<<SQL>>>`

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req domain.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)
	fmt.Fprintf(&b, "User role: %s\n", req.Role)
	if req.MaxRows > 0 {
		fmt.Fprintf(&b, "Max rows: %d\n", req.MaxRows)
	}

	ctx := req.Context
	if len(ctx.Terms) > 0 {
		b.WriteString("\nBusiness terms found:\n")
		b.WriteString(indentJSON(ctx.Terms))
		b.WriteString("\n")
	}
	if len(ctx.PermittedTables) > 0 {
		fmt.Fprintf(&b, "\nPermitted tables: %s\n", strings.Join(ctx.PermittedTables, ", "))
	}
	if len(ctx.PIIColumns) > 0 {
		fmt.Fprintf(&b, "PII columns (DO NOT SELECT): %s\n", strings.Join(ctx.PIIColumns, ", "))
	}
	if len(ctx.Schemas) > 0 {
		b.WriteString("\nTable schemas:\n")
		b.WriteString(indentJSON(ctx.Schemas))
		b.WriteString("\n")
	}
	b.WriteString("\nGenerate the SQL query for this question:")
	return b.String()
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

var (
	markerRE = regexp.MustCompile(`(?s)<<<SQL>>>(.*?)<<<SQL>>>`)
	fenceRE  = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
)

type clarification struct {
	Clarify   bool     `json:"clarify"`
	Questions []string `json:"questions"`
}

// ParseResponse extracts the SQL from a model reply. A clarification reply
// becomes a *domain.ClarificationError; a reply without SQL becomes a
// *domain.GenerationError.
func ParseResponse(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrGeneration(nil, "empty response")
	}

	if strings.HasPrefix(text, "{") && strings.Contains(text, `"clarify"`) {
		var c clarification
		if err := json.Unmarshal([]byte(text), &c); err == nil && c.Clarify {
			return "", &domain.ClarificationError{Questions: c.Questions}
		}
	}

	if m := markerRE.FindStringSubmatch(text); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql, nil
		}
	}
	if m := fenceRE.FindStringSubmatch(text); m != nil {
		if sql := strings.TrimSpace(m[1]); sql != "" {
			return sql, nil
		}
	}
	if sql := scanStatement(text); sql != "" {
		return sql, nil
	}
	return "", domain.ErrGeneration(nil, "no SQL found in response")
}

// scanStatement collects lines from the first one that starts a query up to a
// terminating semicolon or blank line.
func scanStatement(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(lines) == 0 {
			upper := strings.ToUpper(line)
			if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH ") {
				lines = append(lines, line)
				if strings.HasSuffix(line, ";") {
					break
				}
			}
			continue
		}
		if line == "" {
			break
		}
		lines = append(lines, line)
		if strings.HasSuffix(line, ";") {
			break
		}
	}
	return strings.Join(lines, "\n")
}
