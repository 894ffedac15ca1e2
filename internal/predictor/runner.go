// Package predictor issues one forecast per decision tick.
package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
	"barrierbot/internal/model"
	"barrierbot/internal/storage"
)

// Runner fetches the latest barrier state and a market window, runs the
// model, and persists the PENDING prediction for t0.
type Runner struct {
	symbol   string
	lookback time.Duration
	bars     storage.BarStore
	barrier  storage.BarrierStore
	preds    storage.PredictionStore
	model    model.Model
	logger   zerolog.Logger
}

// NewRunner wires the prediction loop.
func NewRunner(
	symbol string,
	cfg config.ModelConfig,
	bars storage.BarStore,
	barrier storage.BarrierStore,
	preds storage.PredictionStore,
	m model.Model,
	logger zerolog.Logger,
) *Runner {
	return &Runner{
		symbol:   symbol,
		lookback: cfg.Lookback,
		bars:     bars,
		barrier:  barrier,
		preds:    preds,
		model:    m,
		logger:   logger.With().Str("component", "predictor").Logger(),
	}
}

// Tick produces and persists one forecast. A tick with no barrier state yet
// is skipped, not failed.
func (r *Runner) Tick(ctx context.Context, tick time.Time) error {
	t0 := tick.UTC().Truncate(time.Second)

	barrierState, err := r.barrier.LatestBarrierState(ctx, r.symbol, t0)
	if err != nil {
		return fmt.Errorf("fetch barrier state: %w", err)
	}
	if barrierState == nil {
		r.logger.Warn().Time("t0", t0).Msg("no barrier state yet, skipping forecast")
		return nil
	}

	window, err := r.bars.ListBarsSince(ctx, r.symbol, t0.Add(-r.lookback))
	if err != nil {
		return fmt.Errorf("fetch market window: %w", err)
	}

	out, err := r.model.Predict(model.Input{Window: window, Barrier: *barrierState})
	if err != nil {
		return fmt.Errorf("model predict: %w", err)
	}

	features, err := json.Marshal(out.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	pred := storage.Prediction{
		T0:           t0,
		Symbol:       r.symbol,
		HSec:         barrierState.HSec,
		RT:           barrierState.RT,
		PUp:          out.PUp,
		PDown:        out.PDown,
		PNone:        out.PNone,
		EV:           out.EV,
		EVRate:       out.EVRate,
		SlopePred:    out.SlopePred,
		DirectionHat: out.DirectionHat,
		ActionHat:    out.ActionHat,
		ModelVersion: out.ModelVersion,
		Status:       storage.PredictionPending,
		Sigma1s:      barrierState.Sigma1s,
		SigmaH:       barrierState.SigmaH,
		ZBarrier:     out.ZBarrier,
		SpreadBps:    out.SpreadBps,
		Features:     features,
	}
	if err := r.preds.UpsertPrediction(ctx, pred); err != nil {
		return fmt.Errorf("persist prediction: %w", err)
	}

	r.logger.Info().
		Time("t0", t0).
		Float64("r_t", pred.RT).
		Float64("p_up", pred.PUp).
		Float64("p_down", pred.PDown).
		Float64("p_none", pred.PNone).
		Float64("ev", pred.EV).
		Str("action_hat", pred.ActionHat).
		Msg("forecast issued")
	return nil
}
