package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/config"
	"github.com/JakeFAU/prerender-gateway/internal/server"
)

type configLoader func() (config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the prerender HTTP server",
		Long: `Starts the public listener on server.port and, unless metrics.port is 0,
the ops listener with /healthz, /readyz and /metrics. Invalid configuration
stops the process before anything listens.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), &cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	logger := zap.L()
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	runErr := app.Run(ctx)
	if closeErr := app.Close(context.Background()); closeErr != nil {
		logger.Warn("close failed", zap.Error(closeErr))
	}
	if runErr != nil {
		return fmt.Errorf("run server: %w", runErr)
	}
	return nil
}
