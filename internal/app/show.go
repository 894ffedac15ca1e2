package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"barrierbot/internal/evaluator"
)

// Show prints recent decisions and a settlement quality summary.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	symbol := a.Config.Market.Symbol

	decisions, err := store.ListRecentDecisions(ctx, symbol, opts.Limit)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPos\tAction\tReason\tFlags\tEVrate\tSpread\tEquity\tDD%")

	for _, dec := range decisions {
		evRate := "-"
		if dec.EVRate != nil {
			evRate = fmt.Sprintf("%.6f", *dec.EVRate)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%.1f\t%s\t%.2f\n",
			dec.TS.UTC().Format(time.RFC3339),
			dec.PosStatus,
			dec.Action,
			dec.Reason,
			strings.Join(dec.ReasonFlags, ","),
			evRate,
			dec.SpreadBps,
			dec.Equity.StringFixed(0),
			dec.DrawdownPct*100,
		)
	}
	writer.Flush()

	evals, err := store.ListRecentEvaluations(ctx, symbol, a.Config.Evaluator.MetricsWindow)
	if err != nil {
		return err
	}
	agg := evaluator.Aggregate(evals, a.Config.Evaluator.CalibrationBins)
	if agg == nil {
		fmt.Fprintln(os.Stdout, "\nno settled predictions yet")
		return nil
	}

	fmt.Fprintf(os.Stdout, "\nsettled=%d accuracy=%.3f hit_rate=%.3f none_rate=%.3f brier=%.4f logloss=%.4f ambig=%d\n",
		agg.Total, agg.Accuracy, agg.HitRate, agg.NoneRate, agg.AvgBrier, agg.AvgLogloss, agg.AmbigCount)
	for _, class := range []string{"UP", "DOWN", "NONE"} {
		if ece, ok := agg.ECE[class]; ok {
			fmt.Fprintf(os.Stdout, "ece[%s]=%.4f ", class, ece)
		}
	}
	fmt.Fprintln(os.Stdout)
	return nil
}
