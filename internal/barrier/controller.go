// Package barrier sizes the adaptive touch barrier from realized volatility,
// trading cost, and the evaluator's feedback gain.
package barrier

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
	"barrierbot/internal/metrics"
	"barrierbot/internal/storage"
)

// Controller recomputes barrier width once per decision tick. A failed tick
// writes an ERROR-status row at the last safe minimum and never stops the
// loop.
type Controller struct {
	cfg    config.BarrierConfig
	cost   config.CostConfig
	symbol string
	bars   storage.BarStore
	store  storage.BarrierStore
	stats  *metrics.Metrics
	logger zerolog.Logger
}

// NewController wires the barrier controller.
func NewController(
	cfg config.BarrierConfig,
	cost config.CostConfig,
	symbol string,
	bars storage.BarStore,
	store storage.BarrierStore,
	stats *metrics.Metrics,
	logger zerolog.Logger,
) *Controller {
	return &Controller{
		cfg:    cfg,
		cost:   cost,
		symbol: symbol,
		bars:   bars,
		store:  store,
		stats:  stats,
		logger: logger.With().Str("component", "barrier").Logger(),
	}
}

// sigmaEstimate is the realized-volatility measurement for one tick.
type sigmaEstimate struct {
	sigma1s *float64
	sampleN int
}

// Tick computes and persists one barrier state row.
func (c *Controller) Tick(ctx context.Context, tick time.Time) error {
	ts := tick.UTC().Truncate(time.Second)

	state, err := c.compute(ctx, ts)
	if err != nil {
		c.logger.Error().Err(err).Time("ts", ts).Msg("barrier tick failed")
		errState := c.errorState(ts, err)
		if writeErr := c.store.UpsertBarrierState(ctx, errState); writeErr != nil {
			c.logger.Error().Err(writeErr).Msg("failed to write error barrier state")
		}
		return nil
	}

	if writeErr := c.store.UpsertBarrierState(ctx, state); writeErr != nil {
		return fmt.Errorf("persist barrier state: %w", writeErr)
	}

	c.stats.SetBarrier(state.RT, state.NoneEwma, state.KVolEff)

	event := c.logger.Info().
		Float64("r_t", state.RT).
		Str("status", state.Status).
		Int("sample_n", state.SampleN).
		Float64("k_vol_eff", state.KVolEff)
	if state.Sigma1s != nil {
		event = event.Float64("sigma_1s", *state.Sigma1s)
	}
	event.Msg("barrier updated")
	return nil
}

func (c *Controller) compute(ctx context.Context, ts time.Time) (storage.BarrierState, error) {
	params, err := c.store.GetOrCreateBarrierParams(ctx, c.DefaultParams())
	if err != nil {
		return storage.BarrierState{}, err
	}

	since := ts.Add(-c.cfg.VolWindow)
	window, err := c.bars.ListBarsSince(ctx, c.symbol, since)
	if err != nil {
		return storage.BarrierState{}, fmt.Errorf("fetch volatility window: %w", err)
	}

	estimate := c.estimateSigma(window)
	costEst, spreadMed := c.roundtripCost(window, ts)
	rMinEff := math.Max(c.cfg.RMin, c.cfg.RMinCostMult*costEst)

	var sigmaH *float64
	rt := rMinEff
	if estimate.sigma1s != nil {
		h := *estimate.sigma1s * math.Sqrt(c.cfg.Horizon.Seconds())
		sigmaH = &h
		rt = math.Min(math.Max(params.KVolEff*h, rMinEff), c.cfg.RMax)
	}

	status := storage.BarrierStatusOK
	if estimate.sampleN < c.warmupThreshold() {
		status = storage.BarrierStatusWarmup
		rt = rMinEff
	}

	state := c.baseState(ts, params)
	state.Sigma1s = estimate.sigma1s
	state.SigmaH = sigmaH
	state.RMinEff = rMinEff
	state.RT = rt
	state.SpreadBpsMed = spreadMed
	state.CostRoundtripEst = &costEst
	state.SampleN = estimate.sampleN
	state.Status = status
	return state, nil
}

// estimateSigma downsamples mids by vol_dt and takes the sample stdev of log
// returns (ddof=1), rescaled to a per-second sigma.
func (c *Controller) estimateSigma(window []storage.Bar) sigmaEstimate {
	mids := make([]float64, 0, len(window))
	for _, bar := range window {
		if mid, ok := bar.MidPrice(); ok {
			mids = append(mids, mid)
		}
	}

	dt := int(c.cfg.VolDt.Seconds())
	if dt < 1 {
		dt = 1
	}
	use := mids
	if dt > 1 {
		use = make([]float64, 0, len(mids)/dt+1)
		for i := 0; i < len(mids); i += dt {
			use = append(use, mids[i])
		}
	}
	if len(use) < 2 {
		return sigmaEstimate{}
	}

	returns := make([]float64, 0, len(use)-1)
	for i := 1; i < len(use); i++ {
		r := math.Log(use[i] / use[i-1])
		if !math.IsInf(r, 0) && !math.IsNaN(r) {
			returns = append(returns, r)
		}
	}
	if len(returns) < 2 {
		return sigmaEstimate{sampleN: len(returns)}
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	sigmaDt := math.Sqrt(ss / float64(len(returns)-1))
	sigma1s := sigmaDt / math.Sqrt(float64(dt))
	return sigmaEstimate{sigma1s: &sigma1s, sampleN: len(returns)}
}

// roundtripCost estimates the full round-trip cost fraction from fees,
// slippage, and the median spread over the cost lookback.
func (c *Controller) roundtripCost(window []storage.Bar, ts time.Time) (float64, *float64) {
	cutoff := ts.Add(-c.cfg.CostLookback)
	spreads := make([]float64, 0, len(window))
	for _, bar := range window {
		if bar.SpreadBps != nil && !bar.TS.Before(cutoff) {
			spreads = append(spreads, *bar.SpreadBps)
		}
	}

	var spreadMed *float64
	medBps := 0.0
	if len(spreads) > 0 {
		sort.Float64s(spreads)
		mid := len(spreads) / 2
		if len(spreads)%2 == 0 {
			medBps = (spreads[mid-1] + spreads[mid]) / 2
		} else {
			medBps = spreads[mid]
		}
		spreadMed = &medBps
	}

	cost := c.cost.CostMult * (2*c.cost.FeeRate + 2*c.cost.SlippageBps/1e4 + medBps/1e4)
	return cost, spreadMed
}

func (c *Controller) warmupThreshold() int {
	dt := math.Max(1, c.cfg.VolDt.Seconds())
	return int(math.Max(30, c.cfg.VolWindow.Seconds()/dt*0.3))
}

// DefaultParams returns the lazily-created feedback defaults.
func (c *Controller) DefaultParams() storage.BarrierParams {
	return storage.BarrierParams{
		Symbol:     c.symbol,
		KVolEff:    c.cfg.KVol,
		NoneEwma:   c.cfg.TargetNone,
		TargetNone: c.cfg.TargetNone,
		EwmaAlpha:  c.cfg.EwmaAlpha,
		EwmaEta:    c.cfg.EwmaEta,
	}
}

func (c *Controller) baseState(ts time.Time, params storage.BarrierParams) storage.BarrierState {
	return storage.BarrierState{
		TS:           ts,
		Symbol:       c.symbol,
		HSec:         int(c.cfg.Horizon.Seconds()),
		VolWindowSec: int(c.cfg.VolWindow.Seconds()),
		VolDtSec:     int(c.cfg.VolDt.Seconds()),
		RMin:         c.cfg.RMin,
		RMinEff:      c.cfg.RMin,
		RMax:         c.cfg.RMax,
		KVol:         c.cfg.KVol,
		KVolEff:      params.KVolEff,
		NoneEwma:     params.NoneEwma,
		TargetNone:   c.cfg.TargetNone,
		EwmaAlpha:    c.cfg.EwmaAlpha,
		EwmaEta:      c.cfg.EwmaEta,
	}
}

func (c *Controller) errorState(ts time.Time, cause error) storage.BarrierState {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	state := c.baseState(ts, c.DefaultParams())
	state.RT = c.cfg.RMin
	state.Status = storage.BarrierStatusError
	state.Error = &msg
	return state
}
