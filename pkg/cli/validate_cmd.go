package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bi-gateway/internal/audit"
	"bi-gateway/internal/config"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/llm"
	"bi-gateway/internal/service/gateway"
)

// discardMetrics drops metric events; offline validation has no dashboard.
type discardMetrics struct{}

func (discardMetrics) Record(domain.MetricEvent) {}

func newValidateCmd() *cobra.Command {
	var (
		sqlText  string
		golden   bool
		role     string
		callerID string
	)

	cmd := &cobra.Command{
		Use:   "validate [question]",
		Short: "Validate a question or SQL statement against the policy offline",
		Long: `Validate without touching the warehouse.

With a question, the golden generator produces the SQL. With --sql, the
statement is checked as given. With --golden, every golden query's SQL is
checked for --role. Exits non-zero when anything is rejected.`,
		Example: `  bigate validate "revenue by region"
  bigate validate --sql "SELECT * FROM customers" --role analyst
  bigate validate --golden --role manager -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modes := 0
			for _, set := range []bool{len(args) == 1, sqlText != "", golden} {
				if set {
					modes++
				}
			}
			if modes != 1 {
				return errors.New("exactly one of a question, --sql or --golden is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snap, err := config.LoadSnapshot(cfg.PolicyPath, cfg.GlossaryPath)
			if err != nil {
				return err
			}
			gen, err := llm.LoadGolden(cfg.LLM.GoldenQueriesPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			svc := gateway.New(config.NewStaticHolder(snap), gen, nil, discardMetrics{}, audit.NewMultiEmitter(), logger)

			ctx := cmd.Context()
			switch {
			case golden:
				return validateGolden(ctx, cmd, svc, gen.Queries(), callerID, role)
			case sqlText != "":
				resp, err := svc.ValidateSQL(ctx, gateway.SQLInput{SQL: sqlText, CallerID: callerID, Role: role})
				return reportValidation(cmd, resp, err)
			default:
				resp, err := svc.ValidateOnly(ctx, gateway.QueryInput{Question: args[0], CallerID: callerID, Role: role})
				return reportValidation(cmd, resp, err)
			}
		},
	}

	cmd.Flags().StringVar(&sqlText, "sql", "", "SQL statement to validate")
	cmd.Flags().BoolVar(&golden, "golden", false, "Validate every golden query")
	cmd.Flags().StringVar(&role, "role", "analyst", "Role to validate as")
	cmd.Flags().StringVar(&callerID, "caller", "cli", "Caller ID recorded on the request")
	return cmd
}

func reportValidation(cmd *cobra.Command, resp *gateway.ValidationResponse, err error) error {
	if resp == nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputFormat(cmd) == formatJSON {
		if perr := printJSON(out, resp); perr != nil {
			return perr
		}
	} else {
		fields := map[string]any{
			"status":     string(resp.Status),
			"sql":        strings.Join(strings.Fields(resp.SQL), " "),
			"confidence": strconv.FormatFloat(resp.Confidence, 'f', 2, 64),
			"reasons":    resp.Reasons,
			"message":    resp.Message,
			"policy":     resp.PolicyVersion,
		}
		if resp.Validation != nil {
			var warnings []string
			for _, w := range resp.Validation.Warnings() {
				warnings = append(warnings, w.RuleID)
			}
			fields["warnings"] = warnings
		}
		printDetail(out, []string{"status", "sql", "confidence", "reasons", "warnings", "message", "policy"}, fields)
	}
	if err != nil {
		return &exitError{code: 1}
	}
	return nil
}

type goldenCheck struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Confidence float64  `json:"confidence_score"`
	Reasons    []string `json:"reasons,omitempty"`
}

func validateGolden(ctx context.Context, cmd *cobra.Command, svc *gateway.Service, queries []llm.GoldenQuery, callerID, role string) error {
	checks := make([]goldenCheck, 0, len(queries))
	rejected := 0
	for _, q := range queries {
		resp, err := svc.ValidateSQL(ctx, gateway.SQLInput{
			RequestID: "golden-" + q.ID,
			SQL:       strings.TrimSpace(q.ExpectedSQL),
			CallerID:  callerID,
			Role:      role,
		})
		if resp == nil {
			return fmt.Errorf("golden query %s: %w", q.ID, err)
		}
		if err != nil {
			rejected++
		}
		checks = append(checks, goldenCheck{
			ID:         q.ID,
			Status:     string(resp.Status),
			Confidence: resp.Confidence,
			Reasons:    resp.Reasons,
		})
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == formatJSON {
		if err := printJSON(out, map[string]any{
			"role":     role,
			"valid":    rejected == 0,
			"rejected": rejected,
			"queries":  checks,
		}); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(checks))
		for _, c := range checks {
			rows = append(rows, []string{
				c.ID,
				c.Status,
				strconv.FormatFloat(c.Confidence, 'f', 2, 64),
				formatValue(c.Reasons),
			})
		}
		printTable(out, []string{"ID", "STATUS", "CONFIDENCE", "REASONS"}, rows)
		_, _ = fmt.Fprintf(out, "\n%d of %d golden queries rejected for role %q\n", rejected, len(checks), role)
	}
	if rejected > 0 {
		return &exitError{code: 1}
	}
	return nil
}
