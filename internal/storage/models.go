package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Barrier state status values.
const (
	BarrierStatusWarmup = "WARMUP"
	BarrierStatusOK     = "OK"
	BarrierStatusError  = "ERROR"
)

// Prediction lifecycle status values.
const (
	PredictionPending = "PENDING"
	PredictionSettled = "SETTLED"
)

// Realized outcome labels.
const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"
	DirectionNone = "NONE"
)

// Paper position states.
const (
	PositionFlat = "FLAT"
	PositionLong = "LONG"
)

// Order attempt status values. BlockedReasons explains blocked/throttled.
const (
	AttemptLogged      = "logged"
	AttemptTestOK      = "test_ok"
	AttemptBlocked     = "blocked"
	AttemptThrottled   = "throttled"
	AttemptSubmitted   = "submitted"
	AttemptError       = "error"
	AttemptDone        = "done"
	AttemptCancel      = "cancel"
	AttemptPollTimeout = "poll_timeout"
)

const probSumTolerance = 1e-9

// Bar is one completed 1-second resampled market bar.
type Bar struct {
	TS          time.Time
	Symbol      string
	Mid         *float64
	Bid         *float64
	Ask         *float64
	BidOpen     *float64
	BidHigh     *float64
	BidLow      *float64
	BidClose    *float64
	AskOpen     *float64
	AskHigh     *float64
	AskLow      *float64
	AskClose    *float64
	MidClose    *float64
	SpreadBps   *float64
	ImbNotional *float64
	TradeCount  int
	TradeVolume float64
}

// MidPrice prefers the 1s close over the instantaneous mid.
func (b Bar) MidPrice() (float64, bool) {
	if b.MidClose != nil && *b.MidClose > 0 {
		return *b.MidClose, true
	}
	if b.Mid != nil && *b.Mid > 0 {
		return *b.Mid, true
	}
	return 0, false
}

// AskPrice prefers the 1s ask close over the instantaneous ask.
func (b Bar) AskPrice() (float64, bool) {
	if b.AskClose != nil && *b.AskClose > 0 {
		return *b.AskClose, true
	}
	if b.Ask != nil && *b.Ask > 0 {
		return *b.Ask, true
	}
	return 0, false
}

// BidPrice prefers the 1s bid close over the instantaneous bid.
func (b Bar) BidPrice() (float64, bool) {
	if b.BidClose != nil && *b.BidClose > 0 {
		return *b.BidClose, true
	}
	if b.Bid != nil && *b.Bid > 0 {
		return *b.Bid, true
	}
	return 0, false
}

// BarrierParams is the per-symbol feedback state. Mutated only by the
// evaluator via a single-writer read-modify-write transaction.
type BarrierParams struct {
	Symbol     string
	KVolEff    float64
	NoneEwma   float64
	TargetNone float64
	EwmaAlpha  float64
	EwmaEta    float64
	LastT0     *time.Time
	UpdatedAt  time.Time
}

// BarrierState is one append-only controller output row.
type BarrierState struct {
	TS               time.Time
	Symbol           string
	HSec             int
	VolWindowSec     int
	VolDtSec         int
	Sigma1s          *float64
	SigmaH           *float64
	RMin             float64
	RMinEff          float64
	RMax             float64
	KVol             float64
	KVolEff          float64
	NoneEwma         float64
	TargetNone       float64
	EwmaAlpha        float64
	EwmaEta          float64
	RT               float64
	SpreadBpsMed     *float64
	CostRoundtripEst *float64
	SampleN          int
	Status           string
	Error            *string
}

// Prediction is a probabilistic forecast issued at t0, unique per (symbol, t0).
type Prediction struct {
	T0           time.Time
	Symbol       string
	HSec         int
	RT           float64
	PUp          float64
	PDown        float64
	PNone        float64
	EV           float64
	EVRate       *float64
	SlopePred    float64
	DirectionHat string
	ActionHat    string
	ModelVersion string
	Status       string
	Sigma1s      *float64
	SigmaH       *float64
	ZBarrier     *float64
	SpreadBps    *float64
	Features     json.RawMessage
}

// Validate enforces the probability-simplex and enum invariants.
func (p Prediction) Validate() error {
	sum := p.PUp + p.PDown + p.PNone
	if math.Abs(sum-1.0) > probSumTolerance {
		return fmt.Errorf("prediction probabilities sum to %.12f, want 1", sum)
	}
	if p.PUp < 0 || p.PDown < 0 || p.PNone < 0 {
		return fmt.Errorf("prediction probabilities must be non-negative")
	}
	switch p.Status {
	case PredictionPending, PredictionSettled:
	default:
		return fmt.Errorf("invalid prediction status %q", p.Status)
	}
	switch p.DirectionHat {
	case DirectionUp, DirectionDown, DirectionNone:
	default:
		return fmt.Errorf("invalid direction_hat %q", p.DirectionHat)
	}
	return nil
}

// EvaluationResult is the settled outcome of one matured prediction.
type EvaluationResult struct {
	TS              time.Time
	Symbol          string
	T0              time.Time
	RT              float64
	PUp             float64
	PDown           float64
	PNone           float64
	EV              float64
	DirectionHat    string
	ActualDirection string
	ActualRT        float64
	TouchTimeSec    *float64
	EntryPrice      float64
	UExec           float64
	DExec           float64
	AmbigTouch      bool
	RH              *float64
	Brier           float64
	Logloss         float64
	LabelVersion    string
}

// Validate enforces the outcome enum invariant.
func (r EvaluationResult) Validate() error {
	switch r.ActualDirection {
	case DirectionUp, DirectionDown, DirectionNone:
	default:
		return fmt.Errorf("invalid actual_direction %q", r.ActualDirection)
	}
	return nil
}

// PaperPosition is the per-symbol position singleton, including the sticky
// risk-halt state.
type PaperPosition struct {
	Symbol            string
	Status            string
	Cash              decimal.Decimal
	Qty               decimal.Decimal
	EntryTime         *time.Time
	EntryPrice        *decimal.Decimal
	EntryFee          *decimal.Decimal
	UExec             *decimal.Decimal
	DExec             *decimal.Decimal
	HSec              *int
	EntryPredT0       *time.Time
	EntryModelVersion *string
	EntryRT           *float64
	EntryEVRate       *float64
	EntryPNone        *float64
	InitialCash       decimal.Decimal
	EquityHigh        decimal.Decimal
	DayStartDate      *time.Time
	DayStartEquity    decimal.Decimal
	Halted            bool
	HaltReason        *string
	HaltedAt          *time.Time
}

// PaperTrade is one fill in the append-only paper ledger.
type PaperTrade struct {
	ID           int64
	TS           time.Time
	Symbol       string
	Action       string
	Reason       string
	Price        decimal.Decimal
	Qty          decimal.Decimal
	Fee          decimal.Decimal
	CashAfter    decimal.Decimal
	PnL          *decimal.Decimal
	PnLRate      *float64
	HoldSec      *float64
	PredT0       *time.Time
	ModelVersion *string
}

// PaperDecision is the per-tick diagnostic record: exactly one row per tick,
// carrying the full reason-flag set behind the chosen action.
type PaperDecision struct {
	TS          time.Time
	Symbol      string
	PosStatus   string
	Action      string
	Reason      string
	ReasonFlags []string
	EV          *float64
	EVRate      *float64
	PUp         *float64
	PDown       *float64
	PNone       *float64
	RT          *float64
	SpreadBps   float64
	LagSec      float64
	CostEst     float64
	PredT0      *time.Time
	ModelVer    *string
	Cash        decimal.Decimal
	Qty         decimal.Decimal
	Equity      decimal.Decimal
	DrawdownPct float64
	Profile     string
}

// OrderAttempt is the idempotent exchange attempt ledger row, upserted by
// (identifier, mode).
type OrderAttempt struct {
	ID             int64
	TS             time.Time
	Symbol         string
	Action         string
	Mode           string
	Side           string
	OrdType        string
	Price          *decimal.Decimal
	Volume         *decimal.Decimal
	PaperTradeID   *int64
	Identifier     string
	OrderUUID      *string
	RequestJSON    json.RawMessage
	ResponseJSON   json.RawMessage
	Status         string
	ErrorMsg       *string
	BlockedReasons []string
	HTTPStatus     *int
	LatencyMS      *int64
	RemainingReq   *string
	RetryCount     int
	FinalState     *string
	ExecutedVolume *decimal.Decimal
	PaidFee        *decimal.Decimal
}

// TerminalSuccess reports whether the attempt already produced its
// side-effect (or intentionally recorded that none is wanted); such attempts
// are never re-sent.
func (a OrderAttempt) TerminalSuccess() bool {
	switch a.Status {
	case AttemptLogged, AttemptTestOK, AttemptSubmitted, AttemptDone, AttemptCancel:
		return true
	}
	return false
}

// OrderPoll is one immutable live-order poll snapshot.
type OrderPoll struct {
	ID              int64
	AttemptID       int64
	TS              time.Time
	State           string
	RemainingVolume *decimal.Decimal
	ExecutedVolume  *decimal.Decimal
	ResponseJSON    json.RawMessage
}
