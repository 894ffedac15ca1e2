package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"barrierbot/internal/execution"
)

// Reconcile compares exchange open orders with the local attempt ledger and
// prints the report. It never cancels or modifies orders.
func (a *App) Reconcile(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := execution.Reconcile(ctx, a.newClient(), store, a.Config.Market.Symbol, a.Logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "open on exchange: %d\nsubmitted in ledger: %d\nmatched: %d\n",
		len(report.OpenOrders), len(report.Submitted), len(report.Matched))

	if report.Clean() {
		fmt.Fprintln(os.Stdout, "ledger and exchange agree")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, uuid := range report.OnlyInLedger {
		fmt.Fprintf(writer, "only in ledger\t%s\n", uuid)
	}
	for _, uuid := range report.OnlyOnExchange {
		fmt.Fprintf(writer, "only on exchange\t%s\n", uuid)
	}
	writer.Flush()

	for _, order := range report.OpenOrders {
		fmt.Fprintf(os.Stdout, "open order %s side=%s state=%s created=%s\n",
			order.UUID, order.Side, order.State, order.CreatedAt)
	}
	return nil
}
