package cli

import (
	"github.com/spf13/cobra"
)

var orderTestCmd = &cobra.Command{
	Use:   "order-test",
	Short: "Run the authenticated order dry run (no order is placed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().OrderTest(cmd.Context())
	},
}
