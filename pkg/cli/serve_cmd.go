package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bi-gateway/internal/app"
	"bi-gateway/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the HTTP gateway until SIGINT or SIGTERM.

SIGHUP reloads the policy and glossary files; an invalid update is logged
and the running snapshot stays in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(logger)
			for _, w := range cfg.Warnings {
				logger.Warn(w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			go reloadOnHangup(ctx, a.Snapshots, logger)
			return a.Serve(ctx)
		},
	}
}

func reloadOnHangup(ctx context.Context, h *config.Holder, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := h.Reload(ctx); err != nil {
				logger.Error("reload on SIGHUP", "error", err)
			}
		}
	}
}

// loadConfig applies --env-file and reads the process configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}
	return config.LoadFromEnv()
}
