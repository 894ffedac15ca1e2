// Package execution turns paper fills into exchange order attempts behind a
// safety gate, with an idempotent attempt ledger.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"barrierbot/internal/config"
	"barrierbot/internal/exchange"
	"barrierbot/internal/market"
	"barrierbot/internal/metrics"
	"barrierbot/internal/storage"
	"barrierbot/internal/trading"
)

// Execution realism tiers.
const (
	ModeShadow = "shadow"
	ModeTest   = "test"
	ModeLive   = "live"
)

// ConfirmPhrase must match the configured phrase exactly for live trading.
const ConfirmPhrase = "I_CONFIRM_LIVE_TRADING"

// Block reasons recorded on guarded attempts.
const (
	BlockMissingKeys  = "missing_keys"
	BlockRateLimitLow = "rate_limit_low"
	BlockDataStale    = "data_stale"
)

// ExchangeAPI is the slice of the REST client the runner drives.
type ExchangeAPI interface {
	HasCredentials() bool
	OrderTest(ctx context.Context, req exchange.OrderRequest) (exchange.CallResult, error)
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, exchange.CallResult, error)
	GetOrder(ctx context.Context, orderUUID string) (*exchange.Order, exchange.CallResult, error)
}

// Runner follows the paper trade ledger by id cursor and issues at most one
// exchange side-effect per (trade, action).
type Runner struct {
	symbol  string
	cfg     config.ExecutionConfig
	profile string
	lagMax  time.Duration

	client   ExchangeAPI
	attempts storage.AttemptStore
	trades   storage.TradeStore
	state    *market.State
	stats    *metrics.Metrics
	logger   zerolog.Logger

	mu            sync.Mutex
	cursor        int64
	cursorInit    bool
	lastRemaining int

	polls sync.WaitGroup
}

// NewRunner wires the execution loop.
func NewRunner(
	symbol string,
	cfg config.ExecutionConfig,
	profile string,
	lagMax time.Duration,
	client ExchangeAPI,
	attempts storage.AttemptStore,
	trades storage.TradeStore,
	state *market.State,
	stats *metrics.Metrics,
	logger zerolog.Logger,
) *Runner {
	return &Runner{
		symbol:        symbol,
		cfg:           cfg,
		profile:       profile,
		lagMax:        lagMax,
		client:        client,
		attempts:      attempts,
		trades:        trades,
		state:         state,
		stats:         stats,
		logger:        logger.With().Str("component", "execution").Logger(),
		lastRemaining: -1,
	}
}

// ResolveMode applies the safety gate, most restrictive tier winning. Live
// needs the enable flag, live mode, the exact confirmation phrase, a
// non-test profile, and credentials; test needs its enable flag and
// credentials.
func (r *Runner) ResolveMode() string {
	if r.cfg.LiveTradingEnabled &&
		r.cfg.TradeMode == ModeLive &&
		r.cfg.LiveConfirmPhrase == ConfirmPhrase &&
		r.profile != "test" &&
		r.client.HasCredentials() {
		return ModeLive
	}
	if r.cfg.OrderTestEnabled && r.client.HasCredentials() {
		return ModeTest
	}
	return ModeShadow
}

// Tick processes every paper fill past the cursor. Exchange-call failures
// are recorded as error rows inside handleTrade and the cursor moves past
// them; a ledger failure stops the batch before the cursor advances, so the
// trade is picked up again next tick and always ends with a status row.
func (r *Runner) Tick(ctx context.Context, _ time.Time) error {
	if err := r.initCursor(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	batch, err := r.trades.ListTradesAfter(ctx, r.symbol, cursor, 100)
	if err != nil {
		return fmt.Errorf("list new trades: %w", err)
	}

	for _, trade := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if handleErr := r.handleTrade(ctx, trade); handleErr != nil {
			return fmt.Errorf("trade %d: %w", trade.ID, handleErr)
		}
		r.mu.Lock()
		r.cursor = trade.ID
		r.mu.Unlock()
	}
	return nil
}

// Wait blocks until all in-flight order polls have finished.
func (r *Runner) Wait() {
	r.polls.Wait()
}

func (r *Runner) initCursor(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursorInit {
		return nil
	}
	maxID, err := r.trades.MaxTradeID(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("init trade cursor: %w", err)
	}
	r.cursor = maxID
	r.cursorInit = true
	r.logger.Info().Int64("cursor", maxID).Msg("trade cursor initialised")
	return nil
}

// Identifier is the idempotency key for one trade leg.
func Identifier(tradeID int64, action string) string {
	return fmt.Sprintf("bb-%d-%s", tradeID, action)
}

func (r *Runner) handleTrade(ctx context.Context, trade storage.PaperTrade) error {
	if trade.Action != trading.ActionEnterLong && trade.Action != trading.ActionExitLong {
		return nil
	}

	mode := r.ResolveMode()
	identifier := Identifier(trade.ID, trade.Action)

	// Idempotency: the lookup happens-before any network call.
	prior, err := r.attempts.FindAttempt(ctx, identifier, mode)
	if err != nil {
		return fmt.Errorf("idempotency lookup: %w", err)
	}
	if prior != nil {
		if prior.TerminalSuccess() {
			r.logger.Info().Str("identifier", identifier).Str("status", prior.Status).
				Msg("attempt already recorded, skipping")
		} else {
			r.logger.Warn().Str("identifier", identifier).Str("status", prior.Status).
				Msg("prior attempt not retried")
		}
		return nil
	}

	req := r.buildRequest(trade, identifier)
	attempt := r.baseAttempt(trade, mode, identifier, req)

	if mode != ModeShadow {
		if reasons, throttled := r.blockReasons(); len(reasons) > 0 {
			attempt.Status = storage.AttemptBlocked
			if throttled {
				attempt.Status = storage.AttemptThrottled
			}
			attempt.BlockedReasons = reasons
			return r.record(ctx, attempt, nil)
		}
	}

	switch mode {
	case ModeShadow:
		attempt.Status = storage.AttemptLogged
		r.logger.Info().Str("identifier", identifier).Str("side", req.Side).
			Msg("shadow order logged, no exchange call")
		return r.record(ctx, attempt, nil)

	case ModeTest:
		result, callErr := r.client.OrderTest(ctx, req)
		r.noteRemaining(result)
		fillCallMeta(&attempt, result)
		if callErr != nil {
			attempt.Status = storage.AttemptError
			msg := callErr.Error()
			attempt.ErrorMsg = &msg
			return r.record(ctx, attempt, nil)
		}
		attempt.Status = storage.AttemptTestOK
		return r.record(ctx, attempt, nil)

	case ModeLive:
		order, result, callErr := r.client.CreateOrder(ctx, req)
		r.noteRemaining(result)
		fillCallMeta(&attempt, result)
		if callErr != nil {
			attempt.Status = storage.AttemptError
			msg := callErr.Error()
			attempt.ErrorMsg = &msg
			return r.record(ctx, attempt, nil)
		}
		attempt.Status = storage.AttemptSubmitted
		attempt.OrderUUID = &order.UUID
		return r.record(ctx, attempt, order)
	}
	return nil
}

// record persists the attempt and, for submitted live orders, starts its
// independent poll task.
func (r *Runner) record(ctx context.Context, attempt storage.OrderAttempt, order *exchange.Order) error {
	id, err := r.attempts.InsertAttempt(ctx, attempt)
	if err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	r.stats.CountAttempt(attempt.Status)

	if attempt.Status == storage.AttemptSubmitted && order != nil {
		orderUUID := order.UUID
		r.polls.Add(1)
		go func() {
			defer r.polls.Done()
			r.pollOrder(ctx, id, orderUUID)
		}()
	}
	return nil
}

// pollOrder polls one live order at a fixed cadence until terminal or the
// poll budget is spent.
func (r *Runner) pollOrder(ctx context.Context, attemptID int64, orderUUID string) {
	logger := r.logger.With().Int64("attempt_id", attemptID).Str("order_uuid", orderUUID).Logger()

	for i := 0; i < r.cfg.MaxPolls; i++ {
		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().Msg("poll cancelled by shutdown")
			return
		case <-timer.C:
		}

		order, result, err := r.client.GetOrder(ctx, orderUUID)
		r.noteRemaining(result)
		if err != nil {
			logger.Warn().Err(err).Int("poll", i+1).Msg("order poll failed")
			continue
		}

		poll := storage.OrderPoll{
			AttemptID:    attemptID,
			TS:           time.Now().UTC(),
			State:        order.State,
			ResponseJSON: result.Body,
		}
		if remaining, parseErr := decimal.NewFromString(order.RemainingVolume); parseErr == nil {
			poll.RemainingVolume = &remaining
		}
		if executed, parseErr := decimal.NewFromString(order.ExecutedVolume); parseErr == nil {
			poll.ExecutedVolume = &executed
		}
		if insertErr := r.attempts.InsertOrderPoll(ctx, poll); insertErr != nil {
			logger.Error().Err(insertErr).Msg("failed to persist poll snapshot")
		}

		if order.Terminal() {
			status := storage.AttemptDone
			if order.State == "cancel" {
				status = storage.AttemptCancel
			}
			state := order.State
			if finalErr := r.attempts.SetAttemptFinal(ctx, attemptID, status, &state,
				nullableString(order.ExecutedVolume), nullableString(order.PaidFee)); finalErr != nil {
				logger.Error().Err(finalErr).Msg("failed to finalise attempt")
				return
			}
			r.stats.CountAttempt(status)
			logger.Info().Str("state", order.State).Msg("live order terminal")
			return
		}
	}

	// Distinct from done/cancel: the order may still be open and needs
	// manual reconciliation.
	if err := r.attempts.SetAttemptFinal(ctx, attemptID, storage.AttemptPollTimeout, nil, nil, nil); err != nil {
		logger.Error().Err(err).Msg("failed to record poll timeout")
		return
	}
	r.stats.CountAttempt(storage.AttemptPollTimeout)
	logger.Warn().Int("polls", r.cfg.MaxPolls).Msg("poll budget exhausted without terminal state")
}

// blockReasons collects every applicable guard failure. The second return
// is true when rate limiting is the only reason.
func (r *Runner) blockReasons() ([]string, bool) {
	var reasons []string
	if !r.client.HasCredentials() {
		reasons = append(reasons, BlockMissingKeys)
	}

	r.mu.Lock()
	remaining := r.lastRemaining
	r.mu.Unlock()
	throttle := remaining >= 0 && remaining < r.cfg.ThrottleMinRemain
	if throttle {
		reasons = append(reasons, BlockRateLimitLow)
	}

	if snap, ok := r.state.Get(); !ok || snap.LagSec(time.Now().UTC()) > r.lagMax.Seconds() {
		reasons = append(reasons, BlockDataStale)
	}

	return reasons, throttle && len(reasons) == 1
}

func (r *Runner) noteRemaining(result exchange.CallResult) {
	if remaining, ok := exchange.ParseRemainingSec(result.RemainingReq); ok {
		r.mu.Lock()
		r.lastRemaining = remaining
		r.mu.Unlock()
	}
}

// buildRequest maps one paper fill to an order payload: entries are market
// buys by spend amount, exits market sells by volume.
func (r *Runner) buildRequest(trade storage.PaperTrade, identifier string) exchange.OrderRequest {
	if trade.Action == trading.ActionEnterLong {
		spend := trade.Price.Mul(trade.Qty).Round(0)
		return exchange.OrderRequest{
			Market:     r.symbol,
			Side:       "bid",
			OrdType:    "price",
			Price:      spend.String(),
			Identifier: identifier,
		}
	}
	return exchange.OrderRequest{
		Market:     r.symbol,
		Side:       "ask",
		OrdType:    "market",
		Volume:     trade.Qty.String(),
		Identifier: identifier,
	}
}

func (r *Runner) baseAttempt(trade storage.PaperTrade, mode, identifier string, req exchange.OrderRequest) storage.OrderAttempt {
	attempt := storage.OrderAttempt{
		TS:           time.Now().UTC(),
		Symbol:       r.symbol,
		Action:       trade.Action,
		Mode:         mode,
		Side:         req.Side,
		OrdType:      req.OrdType,
		PaperTradeID: &trade.ID,
		Identifier:   identifier,
	}
	price := trade.Price
	volume := trade.Qty
	attempt.Price = &price
	attempt.Volume = &volume

	if encoded, err := json.Marshal(map[string]string{
		"market":     req.Market,
		"side":       req.Side,
		"ord_type":   req.OrdType,
		"price":      req.Price,
		"volume":     req.Volume,
		"identifier": req.Identifier,
	}); err == nil {
		attempt.RequestJSON = encoded
	}
	return attempt
}

func fillCallMeta(attempt *storage.OrderAttempt, result exchange.CallResult) {
	if result.HTTPStatus != 0 {
		status := result.HTTPStatus
		attempt.HTTPStatus = &status
	}
	latency := result.LatencyMS
	attempt.LatencyMS = &latency
	if result.RemainingReq != "" {
		remaining := result.RemainingReq
		attempt.RemainingReq = &remaining
	}
	if result.Attempts > 0 {
		attempt.RetryCount = result.Attempts - 1
	}
	if len(result.Body) > 0 {
		attempt.ResponseJSON = result.Body
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
