package main

import (
	"context"
	"fmt"
	"log"

	"github.com/commitq-dev/commitq/internal/buildfarm"
	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/lkgr"
	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/commitq-dev/commitq/internal/treestatus"
	"github.com/spf13/cobra"
)

func lkgrCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		dryRun     bool
		post       bool
		manual     string
		notify     []string
	)

	cmd := &cobra.Command{
		Use:   "lkgr",
		Short: "Find (and optionally publish) the last known good revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobalFrom(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			password, err := config.ReadPasswordFile(cfg.TreeStatus.PasswordFile)
			if err != nil {
				return err
			}
			status := treestatus.NewHTTPClient(cfg.TreeStatus.URL, password)
			ctx := context.Background()

			finder := &lkgr.Finder{
				Farm:   buildfarm.NewHTTPClient(cfg.Masters, ""),
				Status: status,
				Steps:  cfg.LKGR.Steps,
				DryRun: dryRun,
				Post:   post,
				Notify: append(cfg.LKGR.Notify, notify...),
			}

			// Manual override skips the scan and always posts; only
			// --dry-run suppresses the upload.
			if manual != "" {
				if err := finder.ForcePublish(ctx, manual); err != nil {
					return err
				}
				if dryRun {
					fmt.Printf("Dry run: would publish revision %s\n", manual)
				} else {
					fmt.Printf("Published revision %s\n", manual)
				}
				return nil
			}

			candidate, err := finder.Run(ctx)
			if err != nil {
				return err
			}
			if candidate == "" {
				fmt.Println("No new good revision found")
				return nil
			}

			if dbPath != "" {
				db, err := storage.Open(dbPath)
				if err != nil {
					log.Printf("Warning: failed to open history db: %v", err)
				} else {
					defer db.Close()
					if err := db.RecordLKGRRun(ctx, candidate, post && !dryRun); err != nil {
						log.Printf("Warning: %v", err)
					}
				}
			}
			fmt.Printf("Good revision: %s\n", candidate)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.GlobalConfigPath(), "path to config file")
	cmd.Flags().StringVar(&dbPath, "db", storage.DefaultDBPath(), "path to sqlite database")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "don't actually publish")
	cmd.Flags().BoolVar(&post, "post", false, "publish a new good revision to the status app")
	cmd.Flags().StringVar(&manual, "manual", "", "publish this revision without scanning")
	cmd.Flags().StringSliceVar(&notify, "notify", nil, "host:port to notify of a new good revision")
	return cmd
}
