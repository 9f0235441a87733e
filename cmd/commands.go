package main

import (
	"context"
	"errors"

	"feed_spider/internal/app"
	"feed_spider/internal/logger"
	"feed_spider/internal/models"
	"feed_spider/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [feed...]",
		Short: "Run the given feeds (all enabled feeds by default) once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			spider, err := app.NewSpiderApp(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer spider.Close()

			var runs []*models.RunLog
			if len(args) == 0 {
				runs = spider.RunAll(ctx)
			} else {
				for _, name := range args {
					run, err := spider.RunFeed(ctx, name)
					if err != nil {
						log.Warn("feed not run", logger.String("feed", name), logger.Error(err))
						continue
					}
					runs = append(runs, run)
				}
			}

			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every enabled feed on the configured schedule until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			spider, err := app.NewSpiderApp(ctx, cfg, log, reg)
			if err != nil {
				return err
			}
			defer spider.Close()

			serverErr := make(chan error, 1)
			if cfg.Server.Listen != "" {
				srv := server.New(cfg.Server.Listen, spider, reg, log)
				go func() {
					if err := srv.Run(ctx); err != nil {
						log.Error("status server failed", logger.Error(err))
						serverErr <- err
						cancel()
					}
				}()
			}

			if err := spider.Schedule(ctx); err != nil {
				return err
			}

			select {
			case err := <-serverErr:
				return err
			default:
				return nil
			}
		},
	}
}

func newFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List configured feeds and their last recorded run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			lastRuns := make(map[string]*models.RunLog)

			spider, err := app.NewSpiderApp(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				log.Warn("store unavailable, listing feeds without run history", logger.Error(err))
			} else {
				defer spider.Close()
				for name := range cfg.Feeds {
					run, err := spider.StoredLastRun(ctx, name)
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return err
						}
						log.Warn("last run lookup failed", logger.String("feed", name), logger.Error(err))
						continue
					}
					lastRuns[name] = run
				}
			}

			renderFeeds(cmd.OutOrStdout(), cfg.Feeds, lastRuns)
			return nil
		},
	}
}
