package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long:  "Applies the lead search schema to the configured store, plus the job table when the Postgres queue is selected.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if cfg.Queue.Driver == "postgres" {
			ps, ok := st.(*store.PostgresStore)
			if !ok {
				return eris.New("migrate: postgres queue requires the postgres store")
			}
			if err := queue.NewPostgres(ps.Pool()).Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate queue")
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
