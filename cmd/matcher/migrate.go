package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cozy/connections/internal/logger"
	"github.com/cozy/connections/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the postgres schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(_ *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		return runMigrate(direction)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(direction string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		return fmt.Errorf("creating a logger: %w", err)
	}
	defer log.Sync()

	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required for migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if direction == "down" {
		err = postgres.MigrateDown(db)
	} else {
		err = postgres.Migrate(db)
	}
	if err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("direction", direction))
	return nil
}
