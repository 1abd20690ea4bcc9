package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskbridge/internal/config"
	"github.com/austindbirch/taskbridge/internal/db"
)

func newMigrateCmd(cfg config.Config) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the result backend schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := db.Connect(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", cfg.DSN(), "postgres connection string")
	return cmd
}
