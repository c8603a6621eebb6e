package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() {
				_ = logger.Sync()
			}()

			st, err := openStore(cmd.Context(), cfg, logger.Underlying())
			if err != nil {
				return fmt.Errorf("migrating %s: %w", cfg.Storage.Path, err)
			}
			logger.Info(cmd.Context(), "database is up to date", zap.String("path", cfg.Storage.Path))
			return st.Close()
		},
	}
}
