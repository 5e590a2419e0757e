package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tradeflow/api/db"
	"tradeflow/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return errors.New("database_url is not configured")
			}
			ctx := cmd.Context()
			database, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			if status {
				pending, err := store.PendingMigrations(ctx, database, db.Migrations())
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, "database is up to date")
					return nil
				}
				for _, version := range pending {
					fmt.Fprintf(out, "pending  %s\n", version)
				}
				return nil
			}

			applied, err := store.ApplyMigrations(ctx, database, db.Migrations())
			if err != nil {
				return err
			}
			for _, version := range applied {
				fmt.Fprintf(out, "applied  %s\n", version)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "nothing to apply")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list pending migrations without applying them")
	return cmd
}
