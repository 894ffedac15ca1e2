package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

// PaperEngine applies decided actions to the paper ledger with decimal
// arithmetic on all money fields.
type PaperEngine struct {
	trading config.TradingConfig
	cost    config.CostConfig

	slipFactor decimal.Decimal
	feeRate    decimal.Decimal
	minOrder   decimal.Decimal
}

// NewPaperEngine builds the fill engine from runtime settings.
func NewPaperEngine(trading config.TradingConfig, cost config.CostConfig) *PaperEngine {
	return &PaperEngine{
		trading:    trading,
		cost:       cost,
		slipFactor: decimal.NewFromFloat(cost.SlippageBps).Div(decimal.NewFromInt(10000)),
		feeRate:    decimal.NewFromFloat(cost.FeeRate),
		minOrder:   decimal.NewFromFloat(trading.MinOrderCash),
	}
}

// EnterLong fills a long entry at the slipped ask. Returns nil when the
// investable amount is below the minimum order size or would overdraw cash.
func (e *PaperEngine) EnterLong(
	pos storage.PaperPosition,
	pred storage.Prediction,
	snap Snapshot,
	now time.Time,
) (*storage.PaperPosition, *storage.PaperTrade) {
	one := decimal.NewFromInt(1)
	entryExec := decimal.NewFromFloat(snap.BestAsk).Mul(one.Add(e.slipFactor))
	if !entryExec.IsPositive() {
		return nil, nil
	}

	frac := decimal.NewFromFloat(e.trading.Thresholds().MaxPositionFrac)
	invest := pos.Cash.Mul(frac)
	if invest.LessThan(e.minOrder) {
		return nil, nil
	}

	qty := invest.Div(entryExec.Mul(one.Add(e.feeRate)))
	entryCost := entryExec.Mul(qty)
	entryFee := entryCost.Mul(e.feeRate)
	cashAfter := pos.Cash.Sub(entryCost).Sub(entryFee)
	if cashAfter.IsNegative() {
		return nil, nil
	}

	rt := decimal.NewFromFloat(pred.RT)
	uExec := entryExec.Mul(one.Add(rt))
	dExec := entryExec.Mul(one.Sub(rt))
	hSec := pred.HSec
	predT0 := pred.T0
	modelVersion := pred.ModelVersion
	entryRT := pred.RT

	newPos := pos
	newPos.Status = storage.PositionLong
	newPos.Cash = cashAfter
	newPos.Qty = qty
	newPos.EntryTime = &now
	newPos.EntryPrice = &entryExec
	newPos.EntryFee = &entryFee
	newPos.UExec = &uExec
	newPos.DExec = &dExec
	newPos.HSec = &hSec
	newPos.EntryPredT0 = &predT0
	newPos.EntryModelVersion = &modelVersion
	newPos.EntryRT = &entryRT
	newPos.EntryEVRate = pred.EVRate
	pNone := pred.PNone
	newPos.EntryPNone = &pNone

	trade := &storage.PaperTrade{
		TS:           now,
		Symbol:       pos.Symbol,
		Action:       ActionEnterLong,
		Reason:       ReasonSignal,
		Price:        entryExec,
		Qty:          qty,
		Fee:          entryFee,
		CashAfter:    cashAfter,
		PredT0:       &predT0,
		ModelVersion: &modelVersion,
	}
	return &newPos, trade
}

// ExitLong fills the full exit at the slipped bid and realizes PnL against
// the entry cost plus entry fee.
func (e *PaperEngine) ExitLong(
	pos storage.PaperPosition,
	snap Snapshot,
	now time.Time,
	reason string,
) (*storage.PaperPosition, *storage.PaperTrade) {
	one := decimal.NewFromInt(1)
	exitExec := decimal.NewFromFloat(snap.BestBid).Mul(one.Sub(e.slipFactor))

	qty := pos.Qty
	proceeds := exitExec.Mul(qty)
	exitFee := proceeds.Mul(e.feeRate)
	cashAfter := pos.Cash.Add(proceeds).Sub(exitFee)

	entryPrice := decimal.Zero
	if pos.EntryPrice != nil {
		entryPrice = *pos.EntryPrice
	}
	entryFee := decimal.Zero
	if pos.EntryFee != nil {
		entryFee = *pos.EntryFee
	}
	entryCostTotal := entryPrice.Mul(qty).Add(entryFee)
	pnl := proceeds.Sub(exitFee).Sub(entryCostTotal)

	var pnlRate *float64
	if entryCostTotal.IsPositive() {
		rate := pnl.Div(entryCostTotal).InexactFloat64()
		pnlRate = &rate
	}

	var holdSec *float64
	if pos.EntryTime != nil {
		h := now.Sub(*pos.EntryTime).Seconds()
		holdSec = &h
	}

	trade := &storage.PaperTrade{
		TS:           now,
		Symbol:       pos.Symbol,
		Action:       ActionExitLong,
		Reason:       reason,
		Price:        exitExec,
		Qty:          qty,
		Fee:          exitFee,
		CashAfter:    cashAfter,
		PnL:          &pnl,
		PnLRate:      pnlRate,
		HoldSec:      holdSec,
		PredT0:       pos.EntryPredT0,
		ModelVersion: pos.EntryModelVersion,
	}

	newPos := pos
	newPos.Status = storage.PositionFlat
	newPos.Cash = cashAfter
	newPos.Qty = decimal.Zero
	newPos.EntryTime = nil
	newPos.EntryPrice = nil
	newPos.EntryFee = nil
	newPos.UExec = nil
	newPos.DExec = nil
	newPos.HSec = nil
	newPos.EntryPredT0 = nil
	newPos.EntryModelVersion = nil
	newPos.EntryRT = nil
	newPos.EntryEVRate = nil
	newPos.EntryPNone = nil

	return &newPos, trade
}

// Equity estimates mark-to-market equity: cash plus the slipped bid value of
// any open position.
func (e *PaperEngine) Equity(pos storage.PaperPosition, snap Snapshot) decimal.Decimal {
	if pos.Status != storage.PositionLong {
		return pos.Cash
	}
	one := decimal.NewFromInt(1)
	bid := decimal.NewFromFloat(snap.BestBid)
	return pos.Cash.Add(pos.Qty.Mul(bid).Mul(one.Sub(e.slipFactor)))
}
