package trading

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

func newRiskRunner() *Runner {
	cfg := testTradingConfig()
	risk := config.RiskConfig{MaxDrawdownPct: 0.05, DailyLossLimitPct: 0.03}
	cost := config.CostConfig{FeeRate: 0.0005, SlippageBps: 2.0, CostMult: 1.0}
	return NewRunner("KRW-BTC", cfg, risk, newTestPolicy(cfg), NewPaperEngine(cfg, cost), nil,
		nil, nil, nil, nil, nil, zerolog.Nop())
}

func riskPosition(cash, high, dayStart float64, day time.Time) storage.PaperPosition {
	d := day
	return storage.PaperPosition{
		Symbol:         "KRW-BTC",
		Status:         storage.PositionFlat,
		Cash:           decimal.NewFromFloat(cash),
		EquityHigh:     decimal.NewFromFloat(high),
		DayStartDate:   &d,
		DayStartEquity: decimal.NewFromFloat(dayStart),
	}
}

func TestTrackRiskMaxDrawdownHalts(t *testing.T) {
	r := newRiskRunner()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	pos, _, drawdown := r.trackRisk(riskPosition(94, 100, 94, day), Snapshot{}, ActionStayFlat, now)
	if drawdown > -0.0599 || drawdown < -0.0601 {
		t.Fatalf("回撤期望 -6%%, 实际 %.4f", drawdown)
	}
	if !pos.Halted {
		t.Fatal("回撤 6% 超过 5% 上限, 应停机")
	}
	if pos.HaltReason == nil || *pos.HaltReason != HaltMaxDrawdown {
		t.Fatalf("停机原因应为 MAX_DRAWDOWN, 实际 %v", pos.HaltReason)
	}
	if pos.HaltedAt == nil || !pos.HaltedAt.Equal(now) {
		t.Fatal("应记录停机时间")
	}
}

func TestTrackRiskWithinLimitsNoHalt(t *testing.T) {
	r := newRiskRunner()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	pos, _, _ := r.trackRisk(riskPosition(96, 100, 96, day), Snapshot{}, ActionStayFlat, now)
	if pos.Halted {
		t.Fatal("回撤 4% 低于上限, 不应停机")
	}
}

func TestTrackRiskDailyLossLimitHalts(t *testing.T) {
	r := newRiskRunner()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	// 当日起点 100, 净值 96.5: 回撤未破 5%, 但日内亏损超过 3%。
	pos, _, _ := r.trackRisk(riskPosition(96.5, 100, 100, day), Snapshot{}, ActionStayFlat, now)
	if !pos.Halted {
		t.Fatal("日内亏损 3.5% 应停机")
	}
	if pos.HaltReason == nil || *pos.HaltReason != HaltDailyLossLimit {
		t.Fatalf("停机原因应为 DAILY_LOSS_LIMIT, 实际 %v", pos.HaltReason)
	}
}

func TestTrackRiskUTCDayReset(t *testing.T) {
	r := newRiskRunner()
	yesterday := time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 5, 0, 0, 1, 0, time.UTC)

	pos, equity, _ := r.trackRisk(riskPosition(96.5, 100, 100, yesterday), Snapshot{}, ActionStayFlat, now)
	if pos.Halted {
		t.Fatal("跨日后日内锚点重置, 不应停机")
	}
	if pos.DayStartDate == nil || !pos.DayStartDate.Equal(now.Truncate(24*time.Hour)) {
		t.Fatalf("日锚点应更新到当日: %v", pos.DayStartDate)
	}
	if !pos.DayStartEquity.Equal(equity) {
		t.Fatalf("日起点净值应重置为当前净值: %s vs %s", pos.DayStartEquity, equity)
	}
}

func TestTrackRiskHaltIsSticky(t *testing.T) {
	r := newRiskRunner()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	reason := HaltMaxDrawdown
	haltedAt := now.Add(-time.Hour)
	pos := riskPosition(100, 100, 100, day)
	pos.Halted = true
	pos.HaltReason = &reason
	pos.HaltedAt = &haltedAt

	out, _, _ := r.trackRisk(pos, Snapshot{}, ActionStayFlat, now)
	if !out.Halted {
		t.Fatal("净值恢复后停机仍应保持")
	}
	if out.HaltedAt == nil || !out.HaltedAt.Equal(haltedAt) {
		t.Fatal("停机时间不应被覆盖")
	}
}

func TestTrackRiskUpdatesEquityHigh(t *testing.T) {
	r := newRiskRunner()
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	day := now.Truncate(24 * time.Hour)

	pos, _, drawdown := r.trackRisk(riskPosition(110, 100, 100, day), Snapshot{}, ActionStayFlat, now)
	if !pos.EquityHigh.Equal(decimal.NewFromFloat(110)) {
		t.Fatalf("净值新高应更新高水位: %s", pos.EquityHigh)
	}
	if drawdown != 0 {
		t.Fatalf("创新高时回撤应为 0, 实际 %.6f", drawdown)
	}
}
