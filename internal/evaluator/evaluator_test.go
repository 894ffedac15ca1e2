package evaluator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

type fakeBars struct {
	entry   *storage.Bar
	horizon []storage.Bar
	end     *storage.Bar
}

func (f *fakeBars) UpsertBar(ctx context.Context, bar storage.Bar) error { return nil }

func (f *fakeBars) ListBarsSince(ctx context.Context, symbol string, since time.Time) ([]storage.Bar, error) {
	return nil, nil
}

func (f *fakeBars) EntryBar(ctx context.Context, symbol string, t0 time.Time) (*storage.Bar, error) {
	return f.entry, nil
}

func (f *fakeBars) HorizonBars(ctx context.Context, symbol string, t0, tEnd time.Time) ([]storage.Bar, error) {
	return f.horizon, nil
}

func (f *fakeBars) HorizonEndBar(ctx context.Context, symbol string, tEnd time.Time) (*storage.Bar, error) {
	return f.end, nil
}

type fakePreds struct {
	pending []storage.Prediction
	settled []storage.EvaluationResult
}

func (f *fakePreds) UpsertPrediction(ctx context.Context, pred storage.Prediction) error { return nil }

func (f *fakePreds) LatestPrediction(ctx context.Context, symbol string) (*storage.Prediction, error) {
	return nil, nil
}

func (f *fakePreds) ListExpiredPending(ctx context.Context, symbol string, now time.Time, limit int) ([]storage.Prediction, error) {
	return f.pending, nil
}

func (f *fakePreds) SettlePrediction(ctx context.Context, result storage.EvaluationResult) error {
	f.settled = append(f.settled, result)
	return nil
}

func (f *fakePreds) ListRecentEvaluations(ctx context.Context, symbol string, limit int) ([]storage.EvaluationResult, error) {
	return f.settled, nil
}

type fakeParams struct {
	params storage.BarrierParams
}

func (f *fakeParams) GetOrCreateBarrierParams(ctx context.Context, defaults storage.BarrierParams) (storage.BarrierParams, error) {
	return f.params, nil
}

func (f *fakeParams) ApplyBarrierFeedback(ctx context.Context, symbol string, apply func(p *storage.BarrierParams)) (storage.BarrierParams, error) {
	apply(&f.params)
	return f.params, nil
}

func (f *fakeParams) UpsertBarrierState(ctx context.Context, state storage.BarrierState) error {
	return nil
}

func (f *fakeParams) LatestBarrierState(ctx context.Context, symbol string, at time.Time) (*storage.BarrierState, error) {
	return nil, nil
}

func (f *fakeParams) ListBarrierStatesBetween(ctx context.Context, symbol string, from, to time.Time) ([]storage.BarrierState, error) {
	return nil, nil
}

func ptr(v float64) *float64 { return &v }

func newTestEvaluator(bars *fakeBars, preds *fakePreds, params *fakeParams) *Evaluator {
	cfg := config.EvaluatorConfig{
		BatchSize:       100,
		EntryStaleMax:   5 * time.Second,
		MetricsWindow:   200,
		CalibrationBins: 10,
	}
	barrierCfg := config.BarrierConfig{
		KVolMin:    0.3,
		KVolMax:    3.0,
		TargetNone: 0.55,
		EwmaAlpha:  0.97,
		EwmaEta:    0.05,
	}
	cost := config.CostConfig{FeeRate: 0.0005, SlippageBps: 2.0, CostMult: 1.0}
	return New("KRW-BTC", cfg, barrierCfg, cost, bars, preds, preds, params, nil, zerolog.Nop())
}

func pendingPrediction(t0 time.Time) storage.Prediction {
	return storage.Prediction{
		T0:           t0,
		Symbol:       "KRW-BTC",
		HSec:         120,
		RT:           0.005,
		PUp:          0.2,
		PDown:        0.1,
		PNone:        0.7,
		EV:           -0.0001,
		DirectionHat: storage.DirectionNone,
		Status:       storage.PredictionPending,
	}
}

func TestTickSettlesUpTouch(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{
		entry: &storage.Bar{TS: t0, AskClose: ptr(100.0)},
		horizon: []storage.Bar{
			{TS: t0.Add(30 * time.Second), BidHigh: ptr(101.0), BidLow: ptr(100.0)},
		},
	}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}
	if len(preds.settled) != 1 {
		t.Fatalf("应结算 1 条预测, 实际 %d", len(preds.settled))
	}

	result := preds.settled[0]
	if result.ActualDirection != storage.DirectionUp {
		t.Fatalf("上轨触达应为 UP, 实际 %s", result.ActualDirection)
	}
	if result.AmbigTouch {
		t.Fatal("单边触达不应标记 ambig")
	}
	if result.TouchTimeSec == nil || math.Abs(*result.TouchTimeSec-29.5) > 1e-9 {
		t.Fatalf("触达时间应为 29.5, 实际 %v", result.TouchTimeSec)
	}

	entry := 100.0 * 1.0002
	if math.Abs(result.EntryPrice-entry) > 1e-9 {
		t.Fatalf("入场价期望 %.6f, 实际 %.6f", entry, result.EntryPrice)
	}
	if result.LabelVersion != LabelVersion {
		t.Fatalf("标签版本不正确: %s", result.LabelVersion)
	}

	// UP 结果: brier = (0.2-1)² + 0.1² + 0.7², logloss = -ln(0.2)。
	wantBrier := 0.64 + 0.01 + 0.49
	if math.Abs(result.Brier-wantBrier) > 1e-9 {
		t.Fatalf("brier 期望 %.4f, 实际 %.4f", wantBrier, result.Brier)
	}
	if math.Abs(result.Logloss-(-math.Log(0.2))) > 1e-9 {
		t.Fatalf("logloss 期望 %.4f, 实际 %.4f", -math.Log(0.2), result.Logloss)
	}
}

func TestTickAmbiguousTouchIsDown(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{
		entry: &storage.Bar{TS: t0, AskClose: ptr(100.0)},
		horizon: []storage.Bar{
			{TS: t0.Add(10 * time.Second), BidHigh: ptr(101.0), BidLow: ptr(99.0)},
		},
	}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}

	result := preds.settled[0]
	if result.ActualDirection != storage.DirectionDown {
		t.Fatalf("同一根 bar 双边触达应保守记 DOWN, 实际 %s", result.ActualDirection)
	}
	if !result.AmbigTouch {
		t.Fatal("双边触达应标记 ambig")
	}
}

func TestTickNoneUsesHorizonEndReturn(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{
		entry: &storage.Bar{TS: t0, AskClose: ptr(100.0)},
		horizon: []storage.Bar{
			{TS: t0.Add(60 * time.Second), BidHigh: ptr(100.1), BidLow: ptr(99.9)},
		},
		end: &storage.Bar{TS: t0.Add(120 * time.Second), BidClose: ptr(100.1)},
	}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}

	result := preds.settled[0]
	if result.ActualDirection != storage.DirectionNone {
		t.Fatalf("无触达应为 NONE, 实际 %s", result.ActualDirection)
	}
	if result.TouchTimeSec != nil {
		t.Fatal("NONE 不应有触达时间")
	}

	entry := 100.0 * 1.0002
	exit := 100.1 * (1 - 0.0002)
	wantRH := (exit - entry) / entry
	if result.RH == nil || math.Abs(*result.RH-wantRH) > 1e-12 {
		t.Fatalf("r_h 期望 %.8f, 实际 %v", wantRH, result.RH)
	}
	if math.Abs(result.ActualRT-math.Abs(wantRH)) > 1e-12 {
		t.Fatalf("actual_r_t 应为 |r_h|: %.8f", result.ActualRT)
	}
}

func TestTickMissingBarsStayPending(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}
	if len(preds.settled) != 0 {
		t.Fatalf("缺 bar 时不应结算, 实际 %d", len(preds.settled))
	}
}

func TestTickStaleEntryBarSkips(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{
		entry: &storage.Bar{TS: t0.Add(-10 * time.Second), AskClose: ptr(100.0)},
		horizon: []storage.Bar{
			{TS: t0.Add(30 * time.Second), BidHigh: ptr(101.0), BidLow: ptr(100.0)},
		},
	}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}
	if len(preds.settled) != 0 {
		t.Fatal("入场 bar 过期时应跳过等待回填")
	}
}

func TestFeedbackAdjustsGain(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	bars := &fakeBars{
		entry: &storage.Bar{TS: t0, AskClose: ptr(100.0)},
		horizon: []storage.Bar{
			{TS: t0.Add(60 * time.Second), BidHigh: ptr(100.1), BidLow: ptr(99.9)},
		},
		end: &storage.Bar{TS: t0.Add(120 * time.Second), BidClose: ptr(100.0)},
	}
	preds := &fakePreds{pending: []storage.Prediction{pendingPrediction(t0)}}
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 1.0, NoneEwma: 0.55}}

	e := newTestEvaluator(bars, preds, params)
	if err := e.Tick(context.Background(), t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}

	// NONE 结果: ewma = 0.97*0.55 + 0.03, gain 乘 exp(-0.05*(ewma-0.55))。
	wantEwma := 0.97*0.55 + 0.03
	wantGain := math.Exp(-0.05 * (wantEwma - 0.55))
	if math.Abs(params.params.NoneEwma-wantEwma) > 1e-12 {
		t.Fatalf("none_ewma 期望 %.6f, 实际 %.6f", wantEwma, params.params.NoneEwma)
	}
	if math.Abs(params.params.KVolEff-wantGain) > 1e-12 {
		t.Fatalf("k_vol_eff 期望 %.8f, 实际 %.8f", wantGain, params.params.KVolEff)
	}
	if params.params.LastT0 == nil || !params.params.LastT0.Equal(t0) {
		t.Fatalf("last_t0 应更新到 %s", t0)
	}
}

func TestFeedbackClampsGain(t *testing.T) {
	params := &fakeParams{params: storage.BarrierParams{Symbol: "KRW-BTC", KVolEff: 0.30001, NoneEwma: 0.99}}
	e := newTestEvaluator(&fakeBars{}, &fakePreds{}, params)

	settled := make([]storage.EvaluationResult, 50)
	for i := range settled {
		settled[i] = storage.EvaluationResult{T0: time.Now(), ActualDirection: storage.DirectionNone}
	}
	if err := e.applyFeedback(context.Background(), settled); err != nil {
		t.Fatalf("applyFeedback 不应报错: %v", err)
	}
	if params.params.KVolEff < 0.3-1e-12 {
		t.Fatalf("k_vol_eff 不应低于下限: %.6f", params.params.KVolEff)
	}
}
