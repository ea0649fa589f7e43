package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen-cli/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <lead-search-id>",
	Short: "Write a lead search's leads to an xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Export.Dir
		}
		name, _ := cmd.Flags().GetString("name")

		path, n, err := export.Search(ctx, st, args[0], dir, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d leads to %s\n", n, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("dir", "", "output directory (default from config)")
	exportCmd.Flags().String("name", "", "file name (default derived from the provider's file name)")
	rootCmd.AddCommand(exportCmd)
}
