package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"barrierbot/internal/storage"
)

// Export renders decision history and barrier width as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Barrier.DecisionInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	symbol := a.Config.Market.Symbol
	decisions, err := store.ListDecisionsBetween(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	states, err := store.ListBarrierStatesBetween(ctx, symbol, from, to)
	if err != nil {
		return err
	}

	decisions = downsampleDecisions(decisions, opts.MaxPoints)
	states = downsampleStates(states, opts.MaxPoints)
	a.Logger.Info().
		Int("decisions", len(decisions)).
		Int("barrier_states", len(states)).
		Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, decisions); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, decisions, states); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(rows []storage.PaperDecision, max int) []storage.PaperDecision {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	result := make([]storage.PaperDecision, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func downsampleStates(rows []storage.BarrierState, max int) []storage.BarrierState {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	result := make([]storage.BarrierState, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeDecisionsCSV(path string, rows []storage.PaperDecision) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "pos_status", "action", "reason", "reason_flags", "ev_rate", "p_none", "r_t", "spread_bps", "lag_sec", "cash", "qty", "equity", "drawdown_pct", "profile"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.TS.Format(time.RFC3339),
			row.PosStatus,
			row.Action,
			row.Reason,
			strings.Join(row.ReasonFlags, "|"),
			formatOptFloat(row.EVRate),
			formatOptFloat(row.PNone),
			formatOptFloat(row.RT),
			fmt.Sprintf("%.2f", row.SpreadBps),
			fmt.Sprintf("%.1f", row.LagSec),
			row.Cash.String(),
			row.Qty.String(),
			row.Equity.String(),
			fmt.Sprintf("%.6f", row.DrawdownPct),
			row.Profile,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.8f", *v)
}

func writeHistoryPNG(path string, decisions []storage.PaperDecision, states []storage.BarrierState) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	dx := make([]time.Time, len(decisions))
	equity := make([]float64, len(decisions))
	drawdown := make([]float64, len(decisions))
	for i, row := range decisions {
		dx[i] = row.TS
		equity[i] = row.Equity.InexactFloat64()
		drawdown[i] = row.DrawdownPct * 100
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Equity",
			XValues: dx,
			YValues: equity,
		},
		chart.TimeSeries{
			Name:    "Drawdown %",
			XValues: dx,
			YValues: drawdown,
			YAxis:   chart.YAxisSecondary,
		},
	}

	if len(states) > 0 {
		sx := make([]time.Time, len(states))
		rt := make([]float64, len(states))
		for i, st := range states {
			sx[i] = st.TS
			// Barrier width in percent so it shares the secondary axis.
			rt[i] = st.RT * 100
		}
		series = append(series, chart.TimeSeries{
			Name:    "Barrier r_t %",
			XValues: sx,
			YValues: rt,
			YAxis:   chart.YAxisSecondary,
		})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Equity (KRW)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Percent",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
