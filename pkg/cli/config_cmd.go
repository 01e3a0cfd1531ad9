package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bi-gateway/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var policyPath, glossaryPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the policy and glossary and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if policyPath == "" {
				policyPath = cfg.PolicyPath
			}
			if glossaryPath == "" {
				glossaryPath = cfg.GlossaryPath
			}
			snap, err := config.LoadSnapshot(policyPath, glossaryPath)
			if err != nil {
				return err
			}
			sum := snap.Summarize()

			if outputFormat(cmd) == formatJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"valid":    true,
					"summary":  sum,
					"warnings": cfg.Warnings,
				})
			}
			printDetail(cmd.OutOrStdout(),
				[]string{"version", "terms", "permitted tables", "pii columns", "roles", "default max rows", "hard row cap", "timeout", "cost ceiling"},
				map[string]any{
					"version":          sum.Version,
					"terms":            sum.Terms,
					"permitted tables": sum.PermittedTables,
					"pii columns":      sum.PIIColumns,
					"roles":            sum.Roles,
					"default max rows": sum.DefaultMaxRows,
					"hard row cap":     sum.HardRowCap,
					"timeout":          sum.Timeout,
					"cost ceiling":     sum.CostCeiling,
				})
			for _, w := range cfg.Warnings {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy file (default $POLICY_PATH)")
	cmd.Flags().StringVar(&glossaryPath, "glossary", "", "Glossary file (default $GLOSSARY_PATH)")
	return cmd
}
