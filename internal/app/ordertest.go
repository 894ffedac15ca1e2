package app

import (
	"context"

	"barrierbot/internal/execution"
)

// OrderTest runs the authenticated dry-run sequence against the exchange
// validation endpoint. No real order is placed.
func (a *App) OrderTest(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return execution.RunOrderTest(ctx, a.newClient(), store, a.Config.Market.Symbol, a.Config.Execution, a.Logger)
}
