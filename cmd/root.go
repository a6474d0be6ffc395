package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/logging"
	pkgconfig "github.com/statforge/matchminer/pkg/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matchminer",
		Short: "Background crawler for competitive match records.",
		Long: `matchminer walks the player graph of the upstream match API region by
region, ingesting new match records into the durable store while staying
inside the shared upstream rate budget. Crawl state survives restarts.`,
		SilenceUsage: true,
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/matchminer, $HOME/.matchminer)")
	cmd.PersistentFlags().Bool("reset", false, "discard persisted crawl state and start from the configured seeds")
	_ = viper.BindPFlag("persist.reset", cmd.PersistentFlags().Lookup("reset"))

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	pkgconfig.InitConfig()
}

// Execute is the main entry point. A configuration or wiring failure exits
// with status 1; a clean drain after a signal exits 0.
func Execute() {
	logging.InitLogger(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.L.Error("Command execution failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
