package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the tracking schema",
	Long:  "Creates the tracking tables and indexes on the configured backend. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		repo, conn, err := initRepo(ctx)
		if err != nil {
			return err
		}
		defer conn.Close() //nolint:errcheck

		if err := repo.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("schema ready", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
