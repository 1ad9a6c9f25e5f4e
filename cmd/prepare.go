package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fsbatch/internal/config"
	"fsbatch/internal/jobs"
	"fsbatch/pkg/logger"
)

// prepareCommand constructs the 'prepare' subcommand that runs the selected
// job's offline classification pass.
func prepareCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Classifies pending rows into ready/skipped/unmapped",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			strategy, err := jobByName(jobFlag)
			if err != nil {
				logger.Fatal(ctx, "invalid job", zap.Error(err))
			}

			preparer, ok := strategy.(jobs.Preparer)
			if !ok {
				logger.Fatal(ctx, "job has no prepare pass", zap.String("job", strategy.Name()))
			}

			store, closeStore := getStore(ctx, cfg, jobFlag)
			defer closeStore()

			stats, err := preparer.Prepare(ctx, store)
			if err != nil {
				logger.Fatal(ctx, "prepare failed", zap.Error(err))
			}

			logger.Info(ctx, "prepared rows",
				zap.Int("total", stats.Total),
				zap.Int("ready", stats.Ready),
				zap.Int("skipped", stats.Skipped),
				zap.Int("unmapped", stats.Unmapped))
		},
	}

	return cmd
}
