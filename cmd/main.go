package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"feed_spider/internal/config"
	"feed_spider/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.SpiderConfig
	log logger.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feed_spider",
		Short:         "Incremental scraper for live news feeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional
			_ = godotenv.Load()

			var err error
			cfg, err = config.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config %s: %w", cfgFile, err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			log, err = logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(), newScheduleCmd(), newFeedsCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
