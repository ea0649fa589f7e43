package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <lead-search-id>",
	Short: "Schedule a lead search for execution",
	Long: "Enqueues a job for the lead search. Dispatching a search that already has a job is a no-op. " +
		"Jobs that run inline are waited for before the command exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Dispatcher.DispatchID(ctx, args[0]); err != nil {
			return eris.Wrap(err, "dispatch")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dispatched %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
