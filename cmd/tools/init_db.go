package main

import (
	"fmt"

	"github.com/lychee-technology/objectbase/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitDBCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create objectbase tables and indexes",
		Long:  `Create every objectbase table, index and the system object types. Running it again is a no-op.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := opts.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := internal.EnsureSchema(ctx, pool); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			zap.S().Infow("database initialized", "host", opts.db.Host, "database", opts.db.Database)
			fmt.Fprintln(cmd.OutOrStdout(), "Database initialized successfully.")
			return nil
		},
	}
}
