package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order that has not been fulfilled",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded in the status history")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, needs{notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	order, err := a.processor().CancelOrder(ctx, args[0], cancelReason)
	if err != nil {
		return fmt.Errorf("cancelling order: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", order.ID, order.Status)
	return nil
}
