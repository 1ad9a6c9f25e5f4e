package main

import (
	"context"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	root "fsbatch"
	"fsbatch/internal/config"
	"fsbatch/pkg/logger"
)

// createTablesCommand constructs the 'create-tables' subcommand that applies
// the selected job's embedded migrations using goose.
func createTablesCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-tables",
		Short: "Creates the job store schema for the selected job",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if _, err := jobByName(jobFlag); err != nil {
				logger.Fatal(ctx, "invalid job", zap.Error(err))
			}

			store, closeStore := getStore(ctx, cfg, jobFlag)
			defer closeStore()

			goose.SetBaseFS(root.Migrations)

			if err := goose.SetDialect("sqlite3"); err != nil {
				logger.Fatal(ctx, "could not set goose dialect to sqlite3", zap.Error(err))
			}
			if err := goose.Up(store.DB, "migrations/"+jobFlag); err != nil {
				logger.Fatal(ctx, "could not migrate job store", zap.Error(err))
			}

			logger.Info(ctx, "created tables", zap.String("job", jobFlag))
		},
	}

	return cmd
}
