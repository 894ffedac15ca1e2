// Package trading decides position actions and applies them to the paper
// position state machine under risk halts.
package trading

import (
	"time"

	"barrierbot/internal/config"
	"barrierbot/internal/storage"
)

// Actions emitted by the policy.
const (
	ActionEnterLong = "ENTER_LONG"
	ActionExitLong  = "EXIT_LONG"
	ActionHoldLong  = "HOLD_LONG"
	ActionStayFlat  = "STAY_FLAT"
)

// Reason flags. Every failing entry condition is collected; the primary
// reason is the highest-priority flag present.
const (
	FlagOK        = "OK"
	FlagHalted    = "HALTED"
	FlagDataLag   = "DATA_LAG"
	FlagSpread    = "SPREAD_WIDE"
	FlagNoPred    = "NO_PRED"
	FlagCooldown  = "COOLDOWN"
	FlagRateLimit = "RATE_LIMIT"
	FlagCostGtRT  = "COST_GT_RT"
	FlagPNoneHigh = "PNONE_HIGH"
	FlagPDirWeak  = "PDIR_WEAK"
	FlagEVRateLow = "EV_RATE_LOW"
	FlagNoBid     = "NO_BID"

	ReasonTP     = "TP"
	ReasonSL     = "SL"
	ReasonTime   = "TIME"
	ReasonEVBad  = "EV_BAD"
	ReasonSignal = "SIGNAL"
)

var flatPriority = []string{
	FlagDataLag,
	FlagSpread,
	FlagNoPred,
	FlagCooldown,
	FlagRateLimit,
	FlagCostGtRT,
	FlagPNoneHigh,
	FlagPDirWeak,
	FlagEVRateLow,
}

// Snapshot is the live market view the policy conditions on.
type Snapshot struct {
	BestBid   float64
	BestAsk   float64
	SpreadBps float64
	LagSec    float64
	Valid     bool
}

// Decision is the policy output with its full diagnostic flag set.
type Decision struct {
	Action  string
	Reason  string
	Flags   []string
	CostEst float64
}

// PolicyInput bundles everything a decision depends on.
type PolicyInput struct {
	Now           time.Time
	Position      storage.PaperPosition
	Pred          *storage.Prediction
	Snapshot      Snapshot
	RecentEnters  int
	LastTradeTime *time.Time
}

// Policy is a pure decision function over its immutable configuration.
type Policy struct {
	trading    config.TradingConfig
	cost       config.CostConfig
	dataLagMax float64
	horizonSec float64
}

// NewPolicy builds the policy from runtime settings.
func NewPolicy(trading config.TradingConfig, cost config.CostConfig, dataLagMax, horizon time.Duration) Policy {
	return Policy{
		trading:    trading,
		cost:       cost,
		dataLagMax: dataLagMax.Seconds(),
		horizonSec: horizon.Seconds(),
	}
}

// Decide maps the current state to an action. It performs no I/O.
func (p Policy) Decide(in PolicyInput) Decision {
	if in.Position.Status == storage.PositionLong {
		dec := p.decideLong(in)
		if in.Position.Halted {
			dec.Flags = append(dec.Flags, FlagHalted)
		}
		return dec
	}

	if in.Position.Halted {
		return Decision{
			Action:  ActionStayFlat,
			Reason:  FlagHalted,
			Flags:   []string{FlagHalted},
			CostEst: p.CostEstimate(in.Snapshot.SpreadBps),
		}
	}
	return p.decideFlat(in)
}

func (p Policy) decideFlat(in PolicyInput) Decision {
	var flags []string
	th := p.trading.Thresholds()
	costEst := p.CostEstimate(in.Snapshot.SpreadBps)

	lag := in.Snapshot.LagSec
	spread := in.Snapshot.SpreadBps
	if !in.Snapshot.Valid {
		lag, spread = 999, 999
	}

	if lag > p.dataLagMax {
		flags = append(flags, FlagDataLag)
	}
	if spread > p.trading.EnterSpreadBpsMax {
		flags = append(flags, FlagSpread)
	}

	if in.Pred == nil {
		flags = append(flags, FlagNoPred)
		return Decision{Action: ActionStayFlat, Reason: pickPrimary(flags), Flags: flags, CostEst: costEst}
	}

	if p.trading.Profile == "test" {
		if in.RecentEnters >= p.trading.TestMaxEntriesHr {
			flags = append(flags, FlagRateLimit)
		}
		if in.LastTradeTime != nil && in.Now.Sub(*in.LastTradeTime) < p.trading.TestCooldown {
			flags = append(flags, FlagCooldown)
		}
	}

	if in.Pred.RT <= th.CostRMinMult*costEst {
		flags = append(flags, FlagCostGtRT)
	}
	if in.Pred.PNone > th.EnterPNoneMax {
		flags = append(flags, FlagPNoneHigh)
	}
	if in.Pred.PUp < in.Pred.PDown+th.EnterPDirMargin {
		flags = append(flags, FlagPDirWeak)
	}
	if in.Pred.EVRate == nil || *in.Pred.EVRate < th.EnterEVRateTh {
		flags = append(flags, FlagEVRateLow)
	}

	if len(flags) > 0 {
		return Decision{Action: ActionStayFlat, Reason: pickPrimary(flags), Flags: flags, CostEst: costEst}
	}
	return Decision{Action: ActionEnterLong, Reason: FlagOK, Flags: []string{FlagOK}, CostEst: costEst}
}

// decideLong exits on the first of TP, SL, TIME, EV_BAD; the barrier and
// time stops outrank the expectancy stop.
func (p Policy) decideLong(in PolicyInput) Decision {
	costEst := p.CostEstimate(in.Snapshot.SpreadBps)
	pos := in.Position

	if !in.Snapshot.Valid || in.Snapshot.BestBid <= 0 {
		return Decision{Action: ActionHoldLong, Reason: FlagNoBid, Flags: []string{FlagNoBid}, CostEst: costEst}
	}

	slipRate := p.cost.SlippageBps / 1e4
	exitExec := in.Snapshot.BestBid * (1 - slipRate)

	if pos.UExec != nil && exitExec >= pos.UExec.InexactFloat64() {
		return Decision{Action: ActionExitLong, Reason: ReasonTP, Flags: []string{ReasonTP}, CostEst: costEst}
	}
	if pos.DExec != nil && exitExec <= pos.DExec.InexactFloat64() {
		return Decision{Action: ActionExitLong, Reason: ReasonSL, Flags: []string{ReasonSL}, CostEst: costEst}
	}

	hSec := p.horizonSec
	if pos.HSec != nil {
		hSec = float64(*pos.HSec)
	}
	if pos.EntryTime != nil && !in.Now.Before(pos.EntryTime.Add(time.Duration(hSec)*time.Second)) {
		return Decision{Action: ActionExitLong, Reason: ReasonTime, Flags: []string{ReasonTime}, CostEst: costEst}
	}

	if in.Pred != nil && in.Pred.EVRate != nil && *in.Pred.EVRate <= p.trading.ExitEVRateTh {
		return Decision{Action: ActionExitLong, Reason: ReasonEVBad, Flags: []string{ReasonEVBad}, CostEst: costEst}
	}

	return Decision{Action: ActionHoldLong, Reason: FlagOK, Flags: []string{FlagOK}, CostEst: costEst}
}

// CostEstimate is the round-trip cost fraction implied by the live spread.
func (p Policy) CostEstimate(spreadBps float64) float64 {
	feeRound := 2 * p.cost.FeeRate
	slipRound := 2 * (p.cost.SlippageBps / 1e4)
	spreadRound := spreadBps / 1e4
	return p.cost.CostMult * (feeRound + slipRound + spreadRound)
}

func pickPrimary(flags []string) string {
	for _, reason := range flatPriority {
		for _, f := range flags {
			if f == reason {
				return reason
			}
		}
	}
	if len(flags) > 0 {
		return flags[0]
	}
	return FlagOK
}
