package model

import (
	"math"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

// Version reported by the baseline model.
const BaselineVersion = "baseline_v2_go"

const eps = 1e-12

// Baseline is a heuristic momentum model: a volatility-standardized momentum
// z-score plus book imbalance and a spread penalty feed a sigmoid directional
// score, while the barrier-to-volatility ratio sets the no-touch mass.
type Baseline struct {
	model     config.ModelConfig
	cost      config.CostConfig
	entry     config.ProfileThresholds
	spreadMax float64
}

// NewBaseline builds the baseline model from runtime settings.
func NewBaseline(model config.ModelConfig, cost config.CostConfig, entry config.ProfileThresholds, spreadMax float64) *Baseline {
	return &Baseline{model: model, cost: cost, entry: entry, spreadMax: spreadMax}
}

// Predict implements Model.
func (b *Baseline) Predict(in Input) (Output, error) {
	barrier := in.Barrier
	rt := barrier.RT
	hSec := float64(barrier.HSec)

	mids := make([]float64, 0, len(in.Window))
	for _, bar := range in.Window {
		if mid, ok := bar.MidPrice(); ok {
			mids = append(mids, mid)
		}
	}
	if len(mids) < 2 {
		return b.fallback(), nil
	}

	midLast := mids[len(mids)-1]

	idx10 := max(0, len(mids)-11)
	idx60 := max(0, len(mids)-61)
	ret10 := logReturn(mids[idx10], midLast)
	ret60 := logReturn(mids[idx60], midLast)

	var momZ float64
	sigma1s := 0.0
	if barrier.Sigma1s != nil {
		sigma1s = *barrier.Sigma1s
	}
	if sigma1s > 0 {
		z10 := ret10 / (sigma1s*math.Sqrt(10) + eps)
		z60 := ret60 / (sigma1s*math.Sqrt(60) + eps)
		momZ = 0.7*z10 + 0.3*z60
	}

	spreadBps := latestSpreadBps(in.Window)
	imbalance := latestImbalance(in.Window)

	spreadTerm := spreadBps / 10.0
	score := b.model.ScoreMomZ*momZ + b.model.ScoreImbalance*imbalance - b.model.ScoreSpread*spreadTerm
	pDir := sigmoid(score)

	var (
		pUp, pDown, pNone float64
		zBarrier          *float64
	)
	sigmaH := 0.0
	if barrier.SigmaH != nil {
		sigmaH = *barrier.SigmaH
	}
	if barrier.Status != storage.BarrierStatusOK || sigmaH <= 0 {
		pNone, pUp, pDown = 0.99, 0.005, 0.005
	} else {
		z := rt / (sigmaH + eps)
		zBarrier = &z
		pHitBase := math.Exp(-b.model.PHitCZ * z * z)
		pNone = clamp(1-pHitBase, 0, 0.99)
		pUp = (1 - pNone) * pDir
		pDown = (1 - pNone) * (1 - pDir)
	}

	if total := pUp + pDown + pNone; total > 0 {
		pUp /= total
		pDown /= total
		pNone /= total
	} else {
		pUp, pDown, pNone = 0, 0, 1
	}

	// Conditional first-arrival times: diffusion scaling, skewed toward the
	// favored side by score confidence.
	s1 := sigma1s
	if s1 <= 0 {
		s1 = 1e-8
	}
	baseT := clamp(rt*rt/(s1*s1+eps), 1, hSec)
	conf := clamp(math.Abs(score)/2, 0, 1)
	tUp := clamp(baseT*(1-0.2*conf), 1, hSec)
	tDown := clamp(baseT*(1+0.2*conf), 1, hSec)
	if score < 0 {
		tUp, tDown = tDown, tUp
	}

	drift := ret60 * (hSec / 60)
	rNonePred := clamp(drift, -0.5*rt, 0.5*rt)

	feeRound := 2 * b.cost.FeeRate
	spreadRound := spreadBps / 1e4
	slipRound := 2 * (b.cost.SlippageBps / 1e4)
	costRoundtrip := b.cost.CostMult * (feeRound + spreadRound + slipRound)

	ev := pUp*rt + pDown*(-rt) + pNone*rNonePred - costRoundtrip
	eT := pUp*tUp + pDown*tDown + pNone*hSec
	evRate := ev / (eT + eps)
	slopePred := pUp*(rt/(tUp+eps)) - pDown*(rt/(tDown+eps))

	directionHat := storage.DirectionNone
	if ev > 0 && pNone <= b.model.PNoneMaxForSignal {
		if pUp >= pDown {
			directionHat = storage.DirectionUp
		} else {
			directionHat = storage.DirectionDown
		}
	}

	actionHat := "STAY_FLAT"
	if evRate >= b.entry.EnterEVRateTh &&
		pNone <= b.entry.EnterPNoneMax &&
		pUp >= pDown+b.entry.EnterPDirMargin &&
		spreadBps <= b.spreadMax {
		actionHat = "ENTER_LONG"
	}

	return Output{
		PUp:          pUp,
		PDown:        pDown,
		PNone:        pNone,
		EV:           ev,
		EVRate:       &evRate,
		SlopePred:    slopePred,
		DirectionHat: directionHat,
		ActionHat:    actionHat,
		ModelVersion: BaselineVersion,
		ZBarrier:     zBarrier,
		SpreadBps:    &spreadBps,
		Features: map[string]float64{
			"ret_10":            ret10,
			"ret_60":            ret60,
			"mom_z":             momZ,
			"spread_bps":        spreadBps,
			"imb_notional_top5": imbalance,
			"score":             score,
			"spread_term":       spreadTerm,
			"p_dir":             pDir,
			"base_t":            baseT,
			"conf":              conf,
		},
	}, nil
}

// fallback is the near-certain NONE forecast used when the window is too
// short to extract features.
func (b *Baseline) fallback() Output {
	feeRound := 2 * b.cost.FeeRate
	slipRound := 2 * (b.cost.SlippageBps / 1e4)
	cost := b.cost.CostMult * (feeRound + slipRound)
	return Output{
		PUp:          0,
		PDown:        0,
		PNone:        1,
		EV:           -cost,
		DirectionHat: storage.DirectionNone,
		ActionHat:    "STAY_FLAT",
		ModelVersion: BaselineVersion,
		Features:     map[string]float64{"fallback": 1},
	}
}

func logReturn(from, to float64) float64 {
	if from <= 0 || to <= 0 {
		return 0
	}
	return math.Log(to / from)
}

func latestSpreadBps(window []storage.Bar) float64 {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].SpreadBps != nil {
			return *window[i].SpreadBps
		}
	}
	return 0
}

func latestImbalance(window []storage.Bar) float64 {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].ImbNotional != nil {
			return *window[i].ImbNotional
		}
	}
	return 0
}

func sigmoid(x float64) float64 {
	x = clamp(x, -20, 20)
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
