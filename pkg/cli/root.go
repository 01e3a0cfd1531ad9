// Package cli implements the bigate command line: the server, offline
// validation and config checks.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bi-gateway/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// exitError carries a process exit code after the command has already
// reported its result.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		if outputFormat(rootCmd) == formatJSON {
			errObj := map[string]any{"error": err.Error()}
			if code := domain.ReasonCode(err); code != domain.ReasonInternal {
				errObj["reason"] = code
			}
			_ = printJSON(stdout, errObj)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var output string

	rootCmd := &cobra.Command{
		Use:           "bigate",
		Short:         "Natural-language BI gateway",
		Long:          "bigate turns business questions into validated, bounded SQL and answers them over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", formatAuto, "Output format (auto, table, json)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before the environment is read")

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newCommandsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
