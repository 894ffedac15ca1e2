package execution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"barrierbot/internal/exchange"
	"barrierbot/internal/storage"
)

// ReconcileReport compares exchange-reported open orders with local
// submitted attempts that never reached a terminal state. Report-only; it
// never cancels or mutates either side.
type ReconcileReport struct {
	OpenOrders     []exchange.Order
	Submitted      []storage.OrderAttempt
	Matched        []string
	OnlyInLedger   []string
	OnlyOnExchange []string
}

// Clean reports whether both sides agree.
func (r ReconcileReport) Clean() bool {
	return len(r.OnlyInLedger) == 0 && len(r.OnlyOnExchange) == 0
}

// OpenOrderLister is the exchange slice reconciliation needs.
type OpenOrderLister interface {
	HasCredentials() bool
	ListOpenOrders(ctx context.Context, market string) ([]exchange.Order, exchange.CallResult, error)
}

// Reconcile builds the comparison report for one symbol.
func Reconcile(ctx context.Context, client OpenOrderLister, attempts storage.AttemptStore, symbol string, logger zerolog.Logger) (*ReconcileReport, error) {
	if !client.HasCredentials() {
		return nil, fmt.Errorf("exchange credentials missing, nothing to reconcile")
	}

	openOrders, result, err := client.ListOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	logger.Info().
		Int("open_orders", len(openOrders)).
		Str("remaining_req", result.RemainingReq).
		Msg("fetched exchange open orders")

	submitted, err := attempts.ListSubmittedOpen(ctx, symbol, 100)
	if err != nil {
		return nil, fmt.Errorf("list submitted attempts: %w", err)
	}

	exchangeUUIDs := make(map[string]bool, len(openOrders))
	for _, order := range openOrders {
		if order.UUID != "" {
			exchangeUUIDs[order.UUID] = true
		}
	}
	ledgerUUIDs := make(map[string]bool, len(submitted))
	for _, attempt := range submitted {
		if attempt.OrderUUID != nil && *attempt.OrderUUID != "" {
			ledgerUUIDs[*attempt.OrderUUID] = true
		}
	}

	report := &ReconcileReport{OpenOrders: openOrders, Submitted: submitted}
	for uuid := range ledgerUUIDs {
		if exchangeUUIDs[uuid] {
			report.Matched = append(report.Matched, uuid)
		} else {
			report.OnlyInLedger = append(report.OnlyInLedger, uuid)
		}
	}
	for uuid := range exchangeUUIDs {
		if !ledgerUUIDs[uuid] {
			report.OnlyOnExchange = append(report.OnlyOnExchange, uuid)
		}
	}
	return report, nil
}
