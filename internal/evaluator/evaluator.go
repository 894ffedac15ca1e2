// Package evaluator settles matured predictions against the realized price
// path and closes the feedback loop into the barrier gain.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
	"barrierbot/internal/metrics"
	"barrierbot/internal/storage"
)

const (
	logEps = 1e-12

	// LabelVersion identifies the execution-aware labeling scheme.
	LabelVersion = "exec_v1"
)

// Evaluator settles bounded batches of expired predictions per tick.
type Evaluator struct {
	symbol   string
	cfg      config.EvaluatorConfig
	barrier  config.BarrierConfig
	slipRate float64

	bars    storage.BarStore
	preds   storage.PredictionStore
	evals   storage.EvaluationStore
	params  storage.BarrierStore
	stats   *metrics.Metrics
	logger  zerolog.Logger
}

// New wires the evaluator loop.
func New(
	symbol string,
	cfg config.EvaluatorConfig,
	barrierCfg config.BarrierConfig,
	cost config.CostConfig,
	bars storage.BarStore,
	preds storage.PredictionStore,
	evals storage.EvaluationStore,
	params storage.BarrierStore,
	stats *metrics.Metrics,
	logger zerolog.Logger,
) *Evaluator {
	return &Evaluator{
		symbol:   symbol,
		cfg:      cfg,
		barrier:  barrierCfg,
		slipRate: cost.SlippageBps / 1e4,
		bars:     bars,
		preds:    preds,
		evals:    evals,
		params:   params,
		stats:    stats,
		logger:   logger.With().Str("component", "evaluator").Logger(),
	}
}

// Tick settles one batch. Predictions whose bars are missing stay PENDING
// and are retried on a later tick.
func (e *Evaluator) Tick(ctx context.Context, tick time.Time) error {
	now := tick.UTC().Truncate(time.Second)

	pending, err := e.preds.ListExpiredPending(ctx, e.symbol, now, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired predictions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	settled := make([]storage.EvaluationResult, 0, len(pending))
	for _, pred := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, evalErr := e.evaluateOne(ctx, pred, now)
		if evalErr != nil {
			e.logger.Error().Err(evalErr).Time("t0", pred.T0).Msg("evaluation failed")
			continue
		}
		if result == nil {
			continue
		}

		if settleErr := e.preds.SettlePrediction(ctx, *result); settleErr != nil {
			e.logger.Error().Err(settleErr).Time("t0", pred.T0).Msg("settle failed")
			continue
		}
		e.stats.CountSettled(result.ActualDirection)
		settled = append(settled, *result)
	}

	if len(settled) == 0 {
		return nil
	}

	if err := e.applyFeedback(ctx, settled); err != nil {
		return err
	}

	e.logWindowMetrics(ctx)
	return nil
}

// evaluateOne labels one matured prediction. A nil result with nil error
// means skip-and-retry-later (missing or stale bars).
func (e *Evaluator) evaluateOne(ctx context.Context, pred storage.Prediction, now time.Time) (*storage.EvaluationResult, error) {
	tEnd := pred.T0.Add(time.Duration(pred.HSec) * time.Second)

	entryBar, err := e.bars.EntryBar(ctx, e.symbol, pred.T0)
	if err != nil {
		return nil, fmt.Errorf("fetch entry bar: %w", err)
	}
	if entryBar == nil {
		e.logger.Warn().Time("t0", pred.T0).Msg("no entry bar yet, retrying later")
		return nil, nil
	}
	if pred.T0.Sub(entryBar.TS) > e.cfg.EntryStaleMax {
		e.logger.Warn().
			Time("t0", pred.T0).
			Time("bar_ts", entryBar.TS).
			Msg("entry bar too stale, retrying later")
		return nil, nil
	}

	ask, ok := entryBar.AskPrice()
	if !ok {
		e.logger.Warn().Time("t0", pred.T0).Msg("entry bar has no usable ask, retrying later")
		return nil, nil
	}
	entryPrice := ask * (1 + e.slipRate)
	uExec := entryPrice * (1 + pred.RT)
	dExec := entryPrice * (1 - pred.RT)

	horizon, err := e.bars.HorizonBars(ctx, e.symbol, pred.T0, tEnd)
	if err != nil {
		return nil, fmt.Errorf("fetch horizon bars: %w", err)
	}
	if len(horizon) == 0 {
		e.logger.Warn().Time("t0", pred.T0).Msg("no horizon bars yet, retrying later")
		return nil, nil
	}

	direction := storage.DirectionNone
	var touchTime *float64
	ambig := false
	actualRT := 0.0

	for _, bar := range horizon {
		if bar.BidHigh == nil || bar.BidLow == nil {
			continue
		}
		execHigh := *bar.BidHigh * (1 - e.slipRate)
		execLow := *bar.BidLow * (1 - e.slipRate)

		upHit := execHigh >= uExec
		downHit := execLow <= dExec
		if !upHit && !downHit {
			continue
		}

		// Both barriers inside one bar cannot be ordered from OHLC alone;
		// classified DOWN as the conservative convention.
		if upHit && downHit {
			ambig = true
			direction = storage.DirectionDown
		} else if downHit {
			direction = storage.DirectionDown
		} else {
			direction = storage.DirectionUp
		}
		actualRT = pred.RT
		t := math.Max(0, bar.TS.Sub(pred.T0).Seconds()-0.5)
		touchTime = &t
		break
	}

	var rH *float64
	if direction == storage.DirectionNone {
		endBar, endErr := e.bars.HorizonEndBar(ctx, e.symbol, tEnd)
		if endErr != nil {
			return nil, fmt.Errorf("fetch horizon end bar: %w", endErr)
		}
		if endBar != nil {
			if exitBid, bidOK := endBar.BidPrice(); bidOK {
				exitExec := exitBid * (1 - e.slipRate)
				r := (exitExec - entryPrice) / entryPrice
				rH = &r
				actualRT = math.Abs(r)
			}
		}
	}

	var yUp, yDown, yNone float64
	pActual := pred.PNone
	switch direction {
	case storage.DirectionUp:
		yUp, pActual = 1, pred.PUp
	case storage.DirectionDown:
		yDown, pActual = 1, pred.PDown
	default:
		yNone = 1
	}
	brier := sq(pred.PUp-yUp) + sq(pred.PDown-yDown) + sq(pred.PNone-yNone)
	logloss := -math.Log(math.Max(pActual, logEps))

	return &storage.EvaluationResult{
		TS:              now,
		Symbol:          e.symbol,
		T0:              pred.T0,
		RT:              pred.RT,
		PUp:             pred.PUp,
		PDown:           pred.PDown,
		PNone:           pred.PNone,
		EV:              pred.EV,
		DirectionHat:    pred.DirectionHat,
		ActualDirection: direction,
		ActualRT:        actualRT,
		TouchTimeSec:    touchTime,
		EntryPrice:      entryPrice,
		UExec:           uExec,
		DExec:           dExec,
		AmbigTouch:      ambig,
		RH:              rH,
		Brier:           brier,
		Logloss:         logloss,
		LabelVersion:    LabelVersion,
	}, nil
}

// applyFeedback folds the batch into the barrier gain in ascending t0 order
// under a single row-locked transaction.
func (e *Evaluator) applyFeedback(ctx context.Context, settled []storage.EvaluationResult) error {
	alpha := e.barrier.EwmaAlpha
	eta := e.barrier.EwmaEta
	target := e.barrier.TargetNone

	updated, err := e.params.ApplyBarrierFeedback(ctx, e.symbol, func(p *storage.BarrierParams) {
		for i := range settled {
			noneFlag := 0.0
			if settled[i].ActualDirection == storage.DirectionNone {
				noneFlag = 1.0
			}
			p.NoneEwma = alpha*p.NoneEwma + (1-alpha)*noneFlag
			p.KVolEff *= math.Exp(-eta * (p.NoneEwma - target))
			p.KVolEff = math.Max(e.barrier.KVolMin, math.Min(e.barrier.KVolMax, p.KVolEff))
			t0 := settled[i].T0
			p.LastT0 = &t0
		}
	})
	if err != nil {
		return fmt.Errorf("apply barrier feedback: %w", err)
	}

	e.logger.Info().
		Int("settled", len(settled)).
		Float64("none_ewma", updated.NoneEwma).
		Float64("k_vol_eff", updated.KVolEff).
		Msg("barrier feedback applied")
	return nil
}

func (e *Evaluator) logWindowMetrics(ctx context.Context) {
	recent, err := e.evals.ListRecentEvaluations(ctx, e.symbol, e.cfg.MetricsWindow)
	if err != nil {
		e.logger.Error().Err(err).Msg("aggregate metrics query failed")
		return
	}
	agg := Aggregate(recent, e.cfg.CalibrationBins)
	if agg == nil {
		return
	}

	e.logger.Info().
		Int("n", agg.Total).
		Float64("accuracy", agg.Accuracy).
		Float64("hit_rate", agg.HitRate).
		Float64("none_rate", agg.NoneRate).
		Float64("avg_brier", agg.AvgBrier).
		Float64("avg_logloss", agg.AvgLogloss).
		Int("ambig", agg.AmbigCount).
		Float64("ece_up", agg.ECE[storage.DirectionUp]).
		Float64("ece_down", agg.ECE[storage.DirectionDown]).
		Float64("ece_none", agg.ECE[storage.DirectionNone]).
		Msg("evaluation window metrics")
}

func sq(x float64) float64 { return x * x }
