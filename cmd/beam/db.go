package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/beamyard/internal/archive"
	"github.com/zulandar/beamyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Session archive management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBPruneCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			gormDB, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to beam config file")
	return cmd
}

func newDBPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived sessions older than the retention window",
		Long: `Deletes archived sessions, with their ray runs, fusion runs and
acceptances, older than --older-than. Without the flag the configured
retention_days is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBPrune(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to beam config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff, e.g. 720h (default: retention_days)")
	return cmd
}

func runDBPrune(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if olderThan == 0 {
		olderThan = time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
	}
	gormDB, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	cutoff := time.Now().Add(-olderThan)
	n, err := archive.Prune(gormDB, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions created before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
