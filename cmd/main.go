// Package main provides the CLI entrypoint for the batch ticket processor.
// It wires subcommands (create-tables, prepare, run, retry-failed), loads
// configuration, and initializes logging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fsbatch/internal/config"
	"fsbatch/internal/jobs"
	"fsbatch/pkg/logger"
	"fsbatch/pkg/storage/sqlite"
)

// jobFlag is the persistent --job flag value read by every subcommand.
var jobFlag string //nolint: gochecknoglobals

// Per-job default database files, used when DATABASE_PATH is unset.
var defaultDBPaths = map[string]string{ //nolint: gochecknoglobals
	"import":     "import.sqlite",
	"categories": "ticket_category_update.sqlite",
}

// jobByName resolves the --job flag into a strategy.
func jobByName(name string) (jobs.Strategy, error) {
	switch name {
	case "import":
		return jobs.NewImportJob(), nil
	case "categories":
		return jobs.NewCategoryJob(), nil
	default:
		return nil, fmt.Errorf("unknown job %q (want import or categories)", name)
	}
}

// getStore opens the job store for the selected job and returns it along
// with a cleanup function.
func getStore(ctx context.Context, cfg *config.Config, job string) (*sqlite.Store, func()) {
	path := cfg.Database.Path
	if path == "" {
		path = defaultDBPaths[job]
	}

	store, err := sqlite.New(sqlite.Options{
		Path:               path,
		MaxOpenConnections: cfg.Processor.Workers,
	})
	if err != nil {
		logger.Fatal(ctx, "could not open job store", zap.Error(err))
	}

	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn(ctx, "could not close job store", zap.Error(err))
		}
	}
}

// main sets up the root Cobra command, loads configuration and logging, and
// registers subcommands before executing the CLI.
func main() {
	rootCmd := &cobra.Command{
		Use: "fsbatch",
	}

	// there is no way to access flags before command execution in cobra.
	// configPath here is parsed using the standard flags package.
	// following line is just added to prevent errors when Cobra is parsing the flags.
	rootCmd.PersistentFlags().StringP("config", "c", "config.yml", "Config File Path")
	rootCmd.PersistentFlags().StringVar(&jobFlag, "job", "import", "Job to operate on (import|categories)")

	configPath := flag.String("c", "config.yml", "The config file path")
	flag.Parse()

	log.Println("loading config ...")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("could not load config file", err)
	}

	logger.Setup(cfg.Environment)

	ctx := context.Background()

	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "captured panic, exiting...", zap.Any("panic", p))
			logger.Sync(ctx)

			panic(p)
		}
	}()

	rootCmd.AddCommand(
		createTablesCommand(cfg),
		prepareCommand(cfg),
		runCommand(cfg),
		retryFailedCommand(cfg),
	)

	err = rootCmd.Execute()
	logger.Sync(ctx)
	if err != nil {
		os.Exit(1) //nolint: gocritic
	}
}
