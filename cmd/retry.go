package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fsbatch/internal/config"
	"fsbatch/internal/processor"
	"fsbatch/pkg/logger"
)

// retryFailedCommand constructs the 'retry-failed' subcommand that re-arms
// failed rows (and optionally rows stuck in-progress after a crash) and runs
// the batch again when anything was reset.
func retryFailedCommand(cfg *config.Config) *cobra.Command {
	var (
		stuck   time.Duration
		workers int
	)

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Resets failed rows and re-runs the batch",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			strategy, err := jobByName(jobFlag)
			if err != nil {
				logger.Fatal(ctx, "invalid job", zap.Error(err))
			}

			store, closeStore := getStore(ctx, cfg, jobFlag)
			defer closeStore()

			reset, err := strategy.ResetFailed(ctx, store)
			if err != nil {
				logger.Fatal(ctx, "could not reset failed rows", zap.Error(err))
			}

			if stuck > 0 {
				n, err := strategy.ResetStuck(ctx, store, stuck)
				if err != nil {
					logger.Fatal(ctx, "could not reset stuck rows", zap.Error(err))
				}
				logger.Info(ctx, "reset stuck rows", zap.Int64("count", n))
				reset += n
			}

			if reset == 0 {
				logger.Info(ctx, "nothing to retry")

				return
			}

			logger.Info(ctx, "retrying rows", zap.Int64("count", reset))
			runBatch(ctx, cfg, strategy, store, processor.NoLimit, workers)
		},
	}

	cmd.Flags().DurationVar(&stuck, "stuck", 0,
		"Also reset rows stuck in-progress for longer than this duration")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (defaults to config)")

	return cmd
}
