package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/config"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/lifecycle"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one decay sweep and exit",
		Long: `Run one confidence decay sweep against the configured database and print
the result as JSON. Useful from cron when the in-process scheduler is disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
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
			zl := logger.Underlying()

			st, err := openStore(ctx, cfg, zl)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			manager, err := lifecycle.NewManager(st, cfg.Policy.Policy(), zl.Named("lifecycle"))
			if err != nil {
				return err
			}
			var opts []lifecycle.SchedulerOption
			if ttl := cfg.Embeddings.PruneAfter.Duration(); ttl > 0 {
				opts = append(opts, lifecycle.WithEmbeddingPruning(st, ttl))
			}
			sched, err := lifecycle.NewDecayScheduler(manager, zl.Named("sweep"), opts...)
			if err != nil {
				return err
			}

			res, err := sched.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
