package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// setup migrates on open
		a, err := setup(cmd.Context(), needs{})
		if err != nil {
			return err
		}
		a.Close()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
