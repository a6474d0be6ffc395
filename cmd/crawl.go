// Package cmd defines and implements the CLI commands for the matchminer
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/app"
	"github.com/statforge/matchminer/internal/config"
	"github.com/statforge/matchminer/internal/logging"
)

// newApp is the application factory. It's a variable so tests can replace
// it with a stub without real backing services.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newCrawlCmd creates and configures the 'crawl' subcommand, which runs the
// region loops until interrupted and then drains.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts the match-record crawler",
		Long: `Runs one crawl loop per configured region, backed by the shared rate
limiter and the durable match store. Interrupt with SIGINT or SIGTERM to
drain and persist state before exiting.`,

		RunE: runCrawlCommand,
	}
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.InitLogger(cfg.Logging.Development)
	logger := logging.L

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("Failed to close application services", zap.Error(cerr))
		}
	}()

	logger.Info("Starting crawl", zap.String("run_id", a.RunID()))
	if err := a.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}

	logger.Info("Crawl drained cleanly.")
	return nil
}
