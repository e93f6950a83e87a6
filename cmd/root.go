// Package cmd defines the CLI commands for the downloader executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/config"
	"github.com/JakeFAU/creator-downloader/internal/logging"
	"github.com/JakeFAU/creator-downloader/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp builds the application. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "downloader",
		Short: "Downloads crawled creator-page resources to disk.",
		Long: `downloader fetches batches of crawled resource URLs with retry, backoff,
redirect following, conflict resolution and anti-bot challenge solving.
Run "serve" for the HTTP service or "fetch" for a one-shot batch.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); DOWNLOADER_* env vars override it")
	cmd.AddCommand(newServeCmd(), newFetchCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
