package main

import (
	"context"
	"fmt"

	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/daemon"
	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/spf13/cobra"
)

// run-cycle runs one orchestration pass from the current shell instead
// of the daemon. Useful under an external scheduler (cron) and for
// debugging a wedged queue.
func runCycleCmd() *cobra.Command {
	var (
		configPath string
		statePath  string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "run-cycle",
		Short: "Run a single verification cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobalFrom(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := storage.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open history db: %w", err)
			}
			defer db.Close()

			ctx := context.Background()
			manager, cleanup, err := daemon.BuildManager(ctx, cfg, db)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.Load(statePath); err != nil {
				return fmt.Errorf("load queue state: %w", err)
			}
			manager.RunCycle(ctx)
			if err := manager.Save(statePath); err != nil {
				return fmt.Errorf("save queue state: %w", err)
			}

			fmt.Printf("Cycle complete, %d commits pending\n", len(manager.Queue.Commits))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.GlobalConfigPath(), "path to config file")
	cmd.Flags().StringVar(&statePath, "state", config.QueueStatePath(), "path to pending queue state file")
	cmd.Flags().StringVar(&dbPath, "db", storage.DefaultDBPath(), "path to sqlite database")
	return cmd
}
