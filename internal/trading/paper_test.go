package trading

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

func newTestEngine() *PaperEngine {
	cost := config.CostConfig{FeeRate: 0.0005, SlippageBps: 2.0, CostMult: 1.0}
	return NewPaperEngine(testTradingConfig(), cost)
}

func TestEnterLongAccounting(t *testing.T) {
	e := newTestEngine()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	pos := flatPosition()
	pred := *goodPrediction(now)
	snap := goodSnapshot()

	newPos, trade := e.EnterLong(pos, pred, snap, now)
	if newPos == nil {
		t.Fatal("入场不应被跳过")
	}
	if newPos.Status != storage.PositionLong {
		t.Fatalf("状态应为 LONG, 实际 %s", newPos.Status)
	}

	// entry_exec = ask*(1+slip), invest = cash*frac, qty = invest/(entry*(1+fee))。
	entryExec := decimal.NewFromFloat(100_000_000).Mul(decimal.NewFromFloat(1.0002))
	invest := decimal.NewFromInt(1_000_000).Mul(decimal.NewFromFloat(0.25))
	wantQty := invest.Div(entryExec.Mul(decimal.NewFromFloat(1.0005)))
	if !newPos.Qty.Sub(wantQty).Abs().LessThan(decimal.NewFromFloat(1e-15)) {
		t.Fatalf("qty 期望 %s, 实际 %s", wantQty, newPos.Qty)
	}

	// 现金扣减 = 成交额 + 手续费, 合计应等于 invest。
	spent := pos.Cash.Sub(newPos.Cash)
	if !spent.Sub(invest).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("扣减现金期望 %s, 实际 %s", invest, spent)
	}

	if newPos.UExec == nil || newPos.DExec == nil {
		t.Fatal("入场应记录执行化上下轨")
	}
	wantU := entryExec.Mul(decimal.NewFromFloat(1.005))
	if !newPos.UExec.Sub(wantU).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("u_exec 期望 %s, 实际 %s", wantU, newPos.UExec)
	}

	if trade.Action != ActionEnterLong || trade.Reason != ReasonSignal {
		t.Fatalf("成交记录不正确: %s/%s", trade.Action, trade.Reason)
	}
}

func TestEnterLongBelowMinimumSkips(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	pos := flatPosition()
	pos.Cash = decimal.NewFromInt(10_000) // 25% 只有 2500, 低于 5000 下限

	newPos, trade := e.EnterLong(pos, *goodPrediction(now), goodSnapshot(), now)
	if newPos != nil || trade != nil {
		t.Fatal("低于最小下单额应跳过入场")
	}
}

func TestEnterLongNoAskSkips(t *testing.T) {
	e := newTestEngine()
	now := time.Now()
	newPos, _ := e.EnterLong(flatPosition(), *goodPrediction(now), Snapshot{}, now)
	if newPos != nil {
		t.Fatal("无卖价时应跳过入场")
	}
}

func TestExitLongRoundTripPnL(t *testing.T) {
	e := newTestEngine()
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	entered, _ := e.EnterLong(flatPosition(), *goodPrediction(t0), goodSnapshot(), t0)
	if entered == nil {
		t.Fatal("入场不应被跳过")
	}

	exitSnap := goodSnapshot()
	exitSnap.BestBid = 101_000_000
	exited, trade := e.ExitLong(*entered, exitSnap, t0.Add(time.Minute), ReasonTP)

	if exited.Status != storage.PositionFlat {
		t.Fatalf("退出后应 FLAT, 实际 %s", exited.Status)
	}
	if !exited.Qty.IsZero() {
		t.Fatalf("退出后数量应清零, 实际 %s", exited.Qty)
	}
	if exited.EntryPrice != nil || exited.UExec != nil || exited.EntryPredT0 != nil {
		t.Fatal("退出后入场溯源字段应清空")
	}

	if trade.PnL == nil || !trade.PnL.IsPositive() {
		t.Fatalf("上涨 1%% 退出应盈利, 实际 %v", trade.PnL)
	}
	if trade.HoldSec == nil || math.Abs(*trade.HoldSec-60) > 1e-9 {
		t.Fatalf("持仓时长期望 60s, 实际 %v", trade.HoldSec)
	}

	// 往返现金守恒: cash_after = cash + proceeds - exit_fee。
	exitExec := decimal.NewFromFloat(101_000_000).Mul(decimal.NewFromFloat(0.9998))
	proceeds := exitExec.Mul(entered.Qty)
	wantCash := entered.Cash.Add(proceeds).Sub(proceeds.Mul(decimal.NewFromFloat(0.0005)))
	if !exited.Cash.Sub(wantCash).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("退出现金期望 %s, 实际 %s", wantCash, exited.Cash)
	}
}

func TestEquityMarkToMarket(t *testing.T) {
	e := newTestEngine()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)

	pos := flatPosition()
	if !e.Equity(pos, goodSnapshot()).Equal(pos.Cash) {
		t.Fatal("空仓净值应等于现金")
	}

	entered, _ := e.EnterLong(pos, *goodPrediction(now), goodSnapshot(), now)
	snap := goodSnapshot()
	equity := e.Equity(*entered, snap)

	want := entered.Cash.Add(entered.Qty.
		Mul(decimal.NewFromFloat(snap.BestBid)).
		Mul(decimal.NewFromFloat(0.9998)))
	if !equity.Sub(want).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("持仓净值期望 %s, 实际 %s", want, equity)
	}
}
