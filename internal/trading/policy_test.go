package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Profile:           "strict",
		InitialCash:       1_000_000,
		MinOrderCash:      5_000,
		EnterSpreadBpsMax: 8,
		ExitEVRateTh:      -0.000002,
		Strict: config.ProfileThresholds{
			EnterEVRateTh:   0.000001,
			EnterPNoneMax:   0.60,
			EnterPDirMargin: 0.10,
			CostRMinMult:    1.2,
			MaxPositionFrac: 0.25,
		},
		Test: config.ProfileThresholds{
			EnterEVRateTh:   -1,
			EnterPNoneMax:   0.95,
			EnterPDirMargin: 0.0,
			CostRMinMult:    0.0,
			MaxPositionFrac: 0.25,
		},
		TestMaxEntriesHr: 2,
		TestCooldown:     10 * time.Minute,
	}
}

func newTestPolicy(trading config.TradingConfig) Policy {
	cost := config.CostConfig{FeeRate: 0.0005, SlippageBps: 2.0, CostMult: 1.0}
	return NewPolicy(trading, cost, 5*time.Second, 120*time.Second)
}

func goodSnapshot() Snapshot {
	return Snapshot{BestBid: 99_990_000, BestAsk: 100_000_000, SpreadBps: 1.0, LagSec: 0.5, Valid: true}
}

func goodPrediction(now time.Time) *storage.Prediction {
	evRate := 0.00001
	return &storage.Prediction{
		T0:     now,
		Symbol: "KRW-BTC",
		HSec:   120,
		RT:     0.005,
		PUp:    0.35,
		PDown:  0.15,
		PNone:  0.50,
		EV:     0.0012,
		EVRate: &evRate,
	}
}

func flatPosition() storage.PaperPosition {
	return storage.PaperPosition{
		Symbol: "KRW-BTC",
		Status: storage.PositionFlat,
		Cash:   decimal.NewFromInt(1_000_000),
	}
}

func TestDecideEnterWhenAllGatesPass(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	dec := p.Decide(PolicyInput{Now: now, Position: flatPosition(), Pred: goodPrediction(now), Snapshot: goodSnapshot()})
	if dec.Action != ActionEnterLong {
		t.Fatalf("全部闸门通过应 ENTER_LONG, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Reason != FlagOK {
		t.Fatalf("reason 应为 OK, 实际 %s", dec.Reason)
	}
}

func TestDecideFlagPriority(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	// 同时数据滞后 + 点差过宽 + p_none 过高时, 首要原因应取优先级最高的 DATA_LAG。
	snap := goodSnapshot()
	snap.LagSec = 10
	snap.SpreadBps = 50
	pred := goodPrediction(now)
	pred.PNone = 0.9

	dec := p.Decide(PolicyInput{Now: now, Position: flatPosition(), Pred: pred, Snapshot: snap})
	if dec.Action != ActionStayFlat {
		t.Fatalf("闸门失败应 STAY_FLAT, 实际 %s", dec.Action)
	}
	if dec.Reason != FlagDataLag {
		t.Fatalf("首要原因应为 DATA_LAG, 实际 %s", dec.Reason)
	}
	want := map[string]bool{FlagDataLag: true, FlagSpread: true, FlagPNoneHigh: true}
	for _, f := range dec.Flags {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Fatalf("flags 缺失: %v (实际 %v)", want, dec.Flags)
	}
}

func TestDecideNoPredShortCircuits(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	dec := p.Decide(PolicyInput{Now: time.Now(), Position: flatPosition(), Snapshot: goodSnapshot()})
	if dec.Action != ActionStayFlat || dec.Reason != FlagNoPred {
		t.Fatalf("无预测应 STAY_FLAT/NO_PRED, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideInvalidSnapshotFlagsLagAndSpread(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Now()
	dec := p.Decide(PolicyInput{Now: now, Position: flatPosition(), Pred: goodPrediction(now), Snapshot: Snapshot{}})
	if dec.Reason != FlagDataLag {
		t.Fatalf("无快照时应按 999 滞后处理, 实际 %s", dec.Reason)
	}
}

func TestDecideTestProfileRateLimitAndCooldown(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Profile = "test"
	p := newTestPolicy(cfg)
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	last := now.Add(-time.Minute)

	dec := p.Decide(PolicyInput{
		Now:           now,
		Position:      flatPosition(),
		Pred:          goodPrediction(now),
		Snapshot:      goodSnapshot(),
		RecentEnters:  2,
		LastTradeTime: &last,
	})
	if dec.Action != ActionStayFlat {
		t.Fatalf("超过限频应 STAY_FLAT, 实际 %s", dec.Action)
	}
	if dec.Reason != FlagCooldown {
		t.Fatalf("冷却期优先于限频, reason 应为 COOLDOWN, 实际 %s", dec.Reason)
	}
	hasRate := false
	for _, f := range dec.Flags {
		if f == FlagRateLimit {
			hasRate = true
		}
	}
	if !hasRate {
		t.Fatalf("flags 应包含 RATE_LIMIT: %v", dec.Flags)
	}
}

func TestDecideHaltedFlat(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	pos := flatPosition()
	pos.Halted = true

	dec := p.Decide(PolicyInput{Now: time.Now(), Position: pos, Pred: goodPrediction(time.Now()), Snapshot: goodSnapshot()})
	if dec.Action != ActionStayFlat || dec.Reason != FlagHalted {
		t.Fatalf("停机且空仓应 STAY_FLAT/HALTED, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func longPosition(now time.Time) storage.PaperPosition {
	entry := now.Add(-time.Minute)
	entryPrice := decimal.NewFromInt(100_020_000)
	uExec := decimal.NewFromFloat(100_520_100)
	dExec := decimal.NewFromFloat(99_519_900)
	h := 120
	return storage.PaperPosition{
		Symbol:     "KRW-BTC",
		Status:     storage.PositionLong,
		Cash:       decimal.NewFromInt(750_000),
		Qty:        decimal.NewFromFloat(0.0025),
		EntryTime:  &entry,
		EntryPrice: &entryPrice,
		UExec:      &uExec,
		DExec:      &dExec,
		HSec:       &h,
	}
}

func TestDecideLongTakeProfit(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	snap := goodSnapshot()
	snap.BestBid = 100_600_000

	dec := p.Decide(PolicyInput{Now: now, Position: longPosition(now), Snapshot: snap})
	if dec.Action != ActionExitLong || dec.Reason != ReasonTP {
		t.Fatalf("触及上轨应 EXIT_LONG/TP, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideLongStopLoss(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	snap := goodSnapshot()
	snap.BestBid = 99_000_000

	dec := p.Decide(PolicyInput{Now: now, Position: longPosition(now), Snapshot: snap})
	if dec.Action != ActionExitLong || dec.Reason != ReasonSL {
		t.Fatalf("触及下轨应 EXIT_LONG/SL, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideLongTimeStopOutranksEVBad(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	pos := longPosition(now)
	expired := now.Add(-3 * time.Minute)
	pos.EntryTime = &expired

	badEV := -0.001
	pred := goodPrediction(now)
	pred.EVRate = &badEV

	dec := p.Decide(PolicyInput{Now: now, Position: pos, Pred: pred, Snapshot: goodSnapshot()})
	if dec.Action != ActionExitLong || dec.Reason != ReasonTime {
		t.Fatalf("超时止损应优先于 EV_BAD, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideLongEVBadExit(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	badEV := -0.001
	pred := goodPrediction(now)
	pred.EVRate = &badEV

	dec := p.Decide(PolicyInput{Now: now, Position: longPosition(now), Pred: pred, Snapshot: goodSnapshot()})
	if dec.Action != ActionExitLong || dec.Reason != ReasonEVBad {
		t.Fatalf("期望 EXIT_LONG/EV_BAD, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideLongNoBidHolds(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	dec := p.Decide(PolicyInput{Now: now, Position: longPosition(now), Snapshot: Snapshot{}})
	if dec.Action != ActionHoldLong || dec.Reason != FlagNoBid {
		t.Fatalf("无买价时应 HOLD_LONG/NO_BID, 实际 %s/%s", dec.Action, dec.Reason)
	}
}

func TestDecideLongHaltedAppendsFlag(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	pos := longPosition(now)
	pos.Halted = true
	snap := goodSnapshot()
	snap.BestBid = 100_600_000

	dec := p.Decide(PolicyInput{Now: now, Position: pos, Snapshot: snap})
	if dec.Action != ActionExitLong || dec.Reason != ReasonTP {
		t.Fatalf("停机不应阻止退出, 实际 %s/%s", dec.Action, dec.Reason)
	}
	hasHalt := false
	for _, f := range dec.Flags {
		if f == FlagHalted {
			hasHalt = true
		}
	}
	if !hasHalt {
		t.Fatalf("持仓停机时 flags 应附加 HALTED: %v", dec.Flags)
	}
}

func TestCostEstimate(t *testing.T) {
	p := newTestPolicy(testTradingConfig())
	// 1.0 * (2*0.0005 + 2*0.0002 + 10/1e4) = 0.0024
	got := p.CostEstimate(10)
	if got < 0.00239999 || got > 0.00240001 {
		t.Fatalf("成本估计期望 0.0024, 实际 %.8f", got)
	}
}
