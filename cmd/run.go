package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fsbatch/internal/config"
	"fsbatch/internal/jobs"
	"fsbatch/internal/processor"
	"fsbatch/pkg/freshservice"
	"fsbatch/pkg/logger"
	"fsbatch/pkg/metrics"
	"fsbatch/pkg/storage"
)

// newAPIClient builds the upstream client from configuration.
func newAPIClient(cfg *config.Config) *freshservice.Client {
	return freshservice.NewClient(freshservice.Options{
		APIKey:     cfg.Freshservice.APIKey,
		Domain:     cfg.Freshservice.Domain,
		Headroom:   cfg.Freshservice.Headroom,
		MaxRetries: cfg.Freshservice.MaxRetries,
		Timeout:    cfg.Freshservice.Timeout,
	})
}

// runBatch executes one batch over the given strategy and store. Shared by
// the run and retry-failed commands.
func runBatch(
	ctx context.Context,
	cfg *config.Config,
	strategy jobs.Strategy,
	store storage.JobStore,
	limit int64,
	workers int,
) processor.Summary {
	if workers <= 0 {
		workers = cfg.Processor.Workers
	}

	proc := processor.New(store, newAPIClient(cfg), strategy,
		metrics.New(prometheus.DefaultRegisterer),
		processor.Options{
			Workers:     workers,
			Limit:       limit,
			RandomOrder: cfg.Processor.RandomOrder,
		})

	summary, err := proc.Run(ctx)
	if err != nil {
		logger.Warn(ctx, "run interrupted", zap.Error(err))
	}

	return summary
}

// runCommand constructs the 'run' subcommand that executes the batch until
// the table drains, the limit is reached, or the process is interrupted.
func runCommand(cfg *config.Config) *cobra.Command {
	var (
		limit   int64
		workers int
		random  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the batch for the selected job",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			strategy, err := jobByName(jobFlag)
			if err != nil {
				logger.Fatal(ctx, "invalid job", zap.Error(err))
			}

			store, closeStore := getStore(ctx, cfg, jobFlag)
			defer closeStore()

			if random {
				cfg.Processor.RandomOrder = true
			}

			runBatch(ctx, cfg, strategy, store, limit, workers)
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", processor.NoLimit, "Maximum number of items to attempt")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (defaults to config)")
	cmd.Flags().BoolVar(&random, "random", false, "Claim rows in random order")

	return cmd
}
