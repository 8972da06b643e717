package main

import (
	"context"
	"fmt"
	"time"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Queue.StoreBackend != config.BackendPostgres {
				return fmt.Errorf("migrate needs the postgres store, got %q", cfg.Queue.StoreBackend)
			}
			logger := telemetry.NewLogger(cfg.Log.Level)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			applied, err := postgres.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("schema up to date")
				return nil
			}
			logger.Info("migrations applied", "names", applied)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall migration timeout")
	return cmd
}
