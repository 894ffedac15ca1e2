package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/market"
	"barrierbot/internal/metrics"
	"barrierbot/internal/storage"
)

// Sticky halt reasons.
const (
	HaltMaxDrawdown    = "MAX_DRAWDOWN"
	HaltDailyLossLimit = "DAILY_LOSS_LIMIT"
)

// Runner drives one decision tick: decide, apply, track risk, and record
// exactly one diagnostic row.
type Runner struct {
	symbol  string
	trading config.TradingConfig
	risk    config.RiskConfig

	policy Policy
	engine *PaperEngine
	state  *market.State

	positions storage.PositionStore
	trades    storage.TradeStore
	decisions storage.DecisionStore
	preds     storage.PredictionStore

	stats  *metrics.Metrics
	logger zerolog.Logger
}

// NewRunner wires the trading loop.
func NewRunner(
	symbol string,
	trading config.TradingConfig,
	risk config.RiskConfig,
	policy Policy,
	engine *PaperEngine,
	state *market.State,
	positions storage.PositionStore,
	trades storage.TradeStore,
	decisions storage.DecisionStore,
	preds storage.PredictionStore,
	stats *metrics.Metrics,
	logger zerolog.Logger,
) *Runner {
	return &Runner{
		symbol:    symbol,
		trading:   trading,
		risk:      risk,
		policy:    policy,
		engine:    engine,
		state:     state,
		positions: positions,
		trades:    trades,
		decisions: decisions,
		preds:     preds,
		stats:     stats,
		logger:    logger.With().Str("component", "trading").Logger(),
	}
}

// Tick runs one decision cycle.
func (r *Runner) Tick(ctx context.Context, tick time.Time) error {
	now := tick.UTC().Truncate(time.Second)
	initialCash := decimal.NewFromFloat(r.trading.InitialCash)

	pos, err := r.positions.GetOrCreatePosition(ctx, r.symbol, initialCash)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	pred, err := r.preds.LatestPrediction(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("load latest prediction: %w", err)
	}

	snap := r.snapshot(now)

	var recentEnters int
	var lastTrade *time.Time
	if r.trading.Profile == "test" {
		if recentEnters, err = r.trades.CountRecentEnters(ctx, r.symbol, now.Add(-time.Hour)); err != nil {
			return fmt.Errorf("count recent enters: %w", err)
		}
		if lastTrade, err = r.trades.LastTradeTime(ctx, r.symbol); err != nil {
			return fmt.Errorf("load last trade time: %w", err)
		}
	}

	dec := r.policy.Decide(PolicyInput{
		Now:           now,
		Position:      pos,
		Pred:          pred,
		Snapshot:      snap,
		RecentEnters:  recentEnters,
		LastTradeTime: lastTrade,
	})

	pos, err = r.applyAction(ctx, pos, pred, snap, dec, now)
	if err != nil {
		return err
	}

	pos, equity, drawdown := r.trackRisk(pos, snap, dec.Action, now)
	if err := r.positions.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	if err := r.recordDecision(ctx, pos, pred, snap, dec, equity, drawdown, now); err != nil {
		return err
	}

	r.stats.CountDecision(dec.Action)
	r.stats.SetPortfolio(equity.InexactFloat64(), drawdown)
	r.stats.SetSpreadBps(snap.SpreadBps)

	r.logger.Info().
		Str("pos", pos.Status).
		Str("action", dec.Action).
		Str("reason", dec.Reason).
		Str("equity", equity.StringFixed(0)).
		Float64("drawdown", drawdown).
		Bool("halted", pos.Halted).
		Msg("decision")
	return nil
}

func (r *Runner) snapshot(now time.Time) Snapshot {
	snap, ok := r.state.Get()
	if !ok {
		return Snapshot{}
	}
	return Snapshot{
		BestBid:   snap.BestBid,
		BestAsk:   snap.BestAsk,
		SpreadBps: snap.SpreadBps(),
		LagSec:    snap.LagSec(now),
		Valid:     true,
	}
}

func (r *Runner) applyAction(
	ctx context.Context,
	pos storage.PaperPosition,
	pred *storage.Prediction,
	snap Snapshot,
	dec Decision,
	now time.Time,
) (storage.PaperPosition, error) {
	switch dec.Action {
	case ActionEnterLong:
		if pred == nil {
			return pos, nil
		}
		newPos, trade := r.engine.EnterLong(pos, *pred, snap, now)
		if newPos == nil {
			r.logger.Warn().Msg("entry skipped, investable amount below minimum")
			return pos, nil
		}
		if err := r.persistFill(ctx, *newPos, trade); err != nil {
			return pos, err
		}
		r.logger.Info().
			Str("price", trade.Price.StringFixed(0)).
			Str("qty", trade.Qty.String()).
			Str("fee", trade.Fee.StringFixed(2)).
			Msg("paper entry filled")
		return *newPos, nil

	case ActionExitLong:
		newPos, trade := r.engine.ExitLong(pos, snap, now, dec.Reason)
		if err := r.persistFill(ctx, *newPos, trade); err != nil {
			return pos, err
		}
		event := r.logger.Info().
			Str("reason", dec.Reason).
			Str("price", trade.Price.StringFixed(0)).
			Str("qty", trade.Qty.String())
		if trade.PnL != nil {
			event = event.Str("pnl", trade.PnL.StringFixed(2))
		}
		event.Msg("paper exit filled")
		return *newPos, nil
	}
	return pos, nil
}

func (r *Runner) persistFill(ctx context.Context, pos storage.PaperPosition, trade *storage.PaperTrade) error {
	if err := r.positions.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist position after fill: %w", err)
	}
	if _, err := r.trades.InsertTrade(ctx, *trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	return nil
}

// trackRisk updates the equity peak, resets the daily anchor on UTC date
// change, and latches the sticky halt.
func (r *Runner) trackRisk(pos storage.PaperPosition, snap Snapshot, action string, now time.Time) (storage.PaperPosition, decimal.Decimal, float64) {
	equity := pos.Cash
	if pos.Status == storage.PositionLong && action != ActionExitLong {
		equity = r.engine.Equity(pos, snap)
	}

	if equity.GreaterThan(pos.EquityHigh) {
		pos.EquityHigh = equity
	}

	today := now.Truncate(24 * time.Hour)
	if pos.DayStartDate == nil || !pos.DayStartDate.Equal(today) {
		pos.DayStartDate = &today
		pos.DayStartEquity = equity
	}

	drawdown := 0.0
	if pos.EquityHigh.IsPositive() {
		drawdown = equity.Div(pos.EquityHigh).InexactFloat64() - 1
	}

	if !pos.Halted {
		dailyFloor := pos.DayStartEquity.Mul(decimal.NewFromFloat(1 - r.risk.DailyLossLimitPct))
		switch {
		case drawdown <= -r.risk.MaxDrawdownPct:
			reason := HaltMaxDrawdown
			pos.Halted = true
			pos.HaltReason = &reason
			pos.HaltedAt = &now
			r.logger.Warn().Float64("drawdown", drawdown).Msg("risk halt latched: max drawdown")
		case equity.LessThanOrEqual(dailyFloor):
			reason := HaltDailyLossLimit
			pos.Halted = true
			pos.HaltReason = &reason
			pos.HaltedAt = &now
			r.logger.Warn().
				Str("equity", equity.StringFixed(0)).
				Str("day_start", pos.DayStartEquity.StringFixed(0)).
				Msg("risk halt latched: daily loss limit")
		}
	}

	return pos, equity, drawdown
}

func (r *Runner) recordDecision(
	ctx context.Context,
	pos storage.PaperPosition,
	pred *storage.Prediction,
	snap Snapshot,
	dec Decision,
	equity decimal.Decimal,
	drawdown float64,
	now time.Time,
) error {
	row := storage.PaperDecision{
		TS:          now,
		Symbol:      r.symbol,
		PosStatus:   pos.Status,
		Action:      dec.Action,
		Reason:      dec.Reason,
		ReasonFlags: dec.Flags,
		SpreadBps:   snap.SpreadBps,
		LagSec:      snap.LagSec,
		CostEst:     dec.CostEst,
		Cash:        pos.Cash,
		Qty:         pos.Qty,
		Equity:      equity,
		DrawdownPct: drawdown,
		Profile:     r.trading.Profile,
	}
	if pred != nil {
		row.EV = &pred.EV
		row.EVRate = pred.EVRate
		row.PUp = &pred.PUp
		row.PDown = &pred.PDown
		row.PNone = &pred.PNone
		row.RT = &pred.RT
		row.PredT0 = &pred.T0
		row.ModelVer = &pred.ModelVersion
	}
	if err := r.decisions.InsertDecision(ctx, row); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}
	return nil
}
