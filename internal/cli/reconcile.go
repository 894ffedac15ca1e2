package cli

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare exchange open orders against the local attempt ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context())
	},
}
