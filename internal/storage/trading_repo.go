package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	insertPaperPositionSQL = `INSERT INTO paper_positions (
        symbol, status, cash, qty, initial_cash, equity_high, day_start_equity, halted
    ) VALUES ($1,'FLAT',$2,0,$2,$2,$2,false)
    ON CONFLICT (symbol) DO NOTHING;`

	selectPaperPositionSQL = `SELECT
        symbol, status, cash, qty,
        entry_time, entry_price, entry_fee, u_exec, d_exec, h_sec,
        entry_pred_t0, entry_model_version, entry_r_t, entry_ev_rate, entry_p_none,
        initial_cash, equity_high, day_start_date, day_start_equity,
        halted, halt_reason, halted_at
    FROM paper_positions
    WHERE symbol = $1;`

	updatePaperPositionSQL = `UPDATE paper_positions
    SET status = $2,
        cash = $3,
        qty = $4,
        entry_time = $5,
        entry_price = $6,
        entry_fee = $7,
        u_exec = $8,
        d_exec = $9,
        h_sec = $10,
        entry_pred_t0 = $11,
        entry_model_version = $12,
        entry_r_t = $13,
        entry_ev_rate = $14,
        entry_p_none = $15,
        initial_cash = $16,
        equity_high = $17,
        day_start_date = $18,
        day_start_equity = $19,
        halted = $20,
        halt_reason = $21,
        halted_at = $22,
        updated_at = now()
    WHERE symbol = $1;`

	insertPaperTradeSQL = `INSERT INTO paper_trades (
        ts, symbol, action, reason, price, qty, fee, cash_after,
        pnl, pnl_rate, hold_sec, pred_t0, model_version
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    RETURNING id;`

	countRecentEntersSQL = `SELECT count(*) FROM paper_trades
    WHERE symbol = $1 AND action = 'ENTER_LONG' AND ts >= $2;`

	lastTradeTimeSQL = `SELECT ts FROM paper_trades
    WHERE symbol = $1
    ORDER BY ts DESC
    LIMIT 1;`

	maxTradeIDSQL = `SELECT COALESCE(max(id), 0) FROM paper_trades WHERE symbol = $1;`

	listTradesAfterSQL = `SELECT
        id, ts, symbol, action, reason, price, qty, fee, cash_after,
        pnl, pnl_rate, hold_sec, pred_t0, model_version
    FROM paper_trades
    WHERE symbol = $1 AND id > $2
    ORDER BY id ASC
    LIMIT $3;`

	insertPaperDecisionSQL = `INSERT INTO paper_decisions (
        ts, symbol, pos_status, action, reason, reason_flags,
        ev, ev_rate, p_up, p_down, p_none, r_t,
        spread_bps, lag_sec, cost_roundtrip_est,
        pred_t0, model_version,
        cash, qty, equity_est, drawdown_pct, policy_profile
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
    );`

	listRecentDecisionsSQL = `SELECT
        ts, symbol, pos_status, action, reason, reason_flags,
        ev, ev_rate, p_up, p_down, p_none, r_t,
        spread_bps, lag_sec, cost_roundtrip_est,
        pred_t0, model_version,
        cash, qty, equity_est, drawdown_pct, policy_profile
    FROM paper_decisions
    WHERE symbol = $1
    ORDER BY ts DESC
    LIMIT $2;`

	listDecisionsBetweenSQL = `SELECT
        ts, symbol, pos_status, action, reason, reason_flags,
        ev, ev_rate, p_up, p_down, p_none, r_t,
        spread_bps, lag_sec, cost_roundtrip_est,
        pred_t0, model_version,
        cash, qty, equity_est, drawdown_pct, policy_profile
    FROM paper_decisions
    WHERE symbol = $1 AND ts >= $2 AND ts < $3
    ORDER BY ts ASC;`
)

// PositionStore defines access to the per-symbol position singleton.
type PositionStore interface {
	GetOrCreatePosition(ctx context.Context, symbol string, initialCash decimal.Decimal) (PaperPosition, error)
	UpdatePosition(ctx context.Context, pos PaperPosition) error
}

// TradeStore defines access to the append-only paper fill ledger.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade PaperTrade) (int64, error)
	CountRecentEnters(ctx context.Context, symbol string, since time.Time) (int, error)
	LastTradeTime(ctx context.Context, symbol string) (*time.Time, error)
	MaxTradeID(ctx context.Context, symbol string) (int64, error)
	ListTradesAfter(ctx context.Context, symbol string, afterID int64, limit int) ([]PaperTrade, error)
}

// DecisionStore defines access to the per-tick diagnostic log.
type DecisionStore interface {
	InsertDecision(ctx context.Context, dec PaperDecision) error
	ListRecentDecisions(ctx context.Context, symbol string, limit int) ([]PaperDecision, error)
	ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]PaperDecision, error)
}

// GetOrCreatePosition loads the singleton, seeding a FLAT position on first use.
func (s *Store) GetOrCreatePosition(ctx context.Context, symbol string, initialCash decimal.Decimal) (PaperPosition, error) {
	pool, err := s.getPool()
	if err != nil {
		return PaperPosition{}, err
	}

	if _, execErr := pool.Exec(ctx, insertPaperPositionSQL, symbol, initialCash.String()); execErr != nil {
		return PaperPosition{}, fmt.Errorf("create paper position: %w", execErr)
	}

	var (
		pos        PaperPosition
		cash       string
		qty        string
		entryPrice sql.NullString
		entryFee   sql.NullString
		uExec      sql.NullString
		dExec      sql.NullString
		initial    string
		equityHigh string
		dayStartEq string
	)
	row := pool.QueryRow(ctx, selectPaperPositionSQL, symbol)
	if scanErr := row.Scan(
		&pos.Symbol, &pos.Status, &cash, &qty,
		&pos.EntryTime, &entryPrice, &entryFee, &uExec, &dExec, &pos.HSec,
		&pos.EntryPredT0, &pos.EntryModelVersion, &pos.EntryRT, &pos.EntryEVRate, &pos.EntryPNone,
		&initial, &equityHigh, &pos.DayStartDate, &dayStartEq,
		&pos.Halted, &pos.HaltReason, &pos.HaltedAt,
	); scanErr != nil {
		return PaperPosition{}, fmt.Errorf("load paper position: %w", scanErr)
	}

	var convErr error
	if pos.Cash, convErr = decimal.NewFromString(cash); convErr != nil {
		return PaperPosition{}, fmt.Errorf("parse cash: %w", convErr)
	}
	if pos.Qty, convErr = decimal.NewFromString(qty); convErr != nil {
		return PaperPosition{}, fmt.Errorf("parse qty: %w", convErr)
	}
	if pos.InitialCash, convErr = decimal.NewFromString(initial); convErr != nil {
		return PaperPosition{}, fmt.Errorf("parse initial cash: %w", convErr)
	}
	if pos.EquityHigh, convErr = decimal.NewFromString(equityHigh); convErr != nil {
		return PaperPosition{}, fmt.Errorf("parse equity high: %w", convErr)
	}
	if pos.DayStartEquity, convErr = decimal.NewFromString(dayStartEq); convErr != nil {
		return PaperPosition{}, fmt.Errorf("parse day start equity: %w", convErr)
	}
	if pos.EntryPrice, convErr = parseNullDecimal(entryPrice); convErr != nil {
		return PaperPosition{}, convErr
	}
	if pos.EntryFee, convErr = parseNullDecimal(entryFee); convErr != nil {
		return PaperPosition{}, convErr
	}
	if pos.UExec, convErr = parseNullDecimal(uExec); convErr != nil {
		return PaperPosition{}, convErr
	}
	if pos.DExec, convErr = parseNullDecimal(dExec); convErr != nil {
		return PaperPosition{}, convErr
	}

	return pos, nil
}

// UpdatePosition writes the full singleton row in one statement.
func (s *Store) UpdatePosition(ctx context.Context, pos PaperPosition) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, updatePaperPositionSQL,
		pos.Symbol, pos.Status, pos.Cash.String(), pos.Qty.String(),
		pos.EntryTime, decimalArg(pos.EntryPrice), decimalArg(pos.EntryFee),
		decimalArg(pos.UExec), decimalArg(pos.DExec), pos.HSec,
		pos.EntryPredT0, pos.EntryModelVersion, pos.EntryRT, pos.EntryEVRate, pos.EntryPNone,
		pos.InitialCash.String(), pos.EquityHigh.String(), pos.DayStartDate, pos.DayStartEquity.String(),
		pos.Halted, pos.HaltReason, pos.HaltedAt,
	); execErr != nil {
		return fmt.Errorf("update paper position: %w", execErr)
	}
	return nil
}

// InsertTrade appends one fill and returns its id.
func (s *Store) InsertTrade(ctx context.Context, trade PaperTrade) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	row := pool.QueryRow(ctx, insertPaperTradeSQL,
		trade.TS, trade.Symbol, trade.Action, trade.Reason,
		trade.Price.String(), trade.Qty.String(), trade.Fee.String(), trade.CashAfter.String(),
		decimalArg(trade.PnL), trade.PnLRate, trade.HoldSec, trade.PredT0, trade.ModelVersion,
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert paper trade: %w", scanErr)
	}
	return id, nil
}

// CountRecentEnters counts ENTER_LONG fills since the given time.
func (s *Store) CountRecentEnters(ctx context.Context, symbol string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countRecentEntersSQL, symbol, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count recent enters: %w", scanErr)
	}
	return count, nil
}

// LastTradeTime returns the newest fill timestamp, or nil when none exists.
func (s *Store) LastTradeTime(ctx context.Context, symbol string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, lastTradeTimeSQL, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("last trade time: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var ts time.Time
	if scanErr := rows.Scan(&ts); scanErr != nil {
		return nil, fmt.Errorf("scan last trade time: %w", scanErr)
	}
	return &ts, rows.Err()
}

// MaxTradeID returns the highest fill id, zero when the ledger is empty.
func (s *Store) MaxTradeID(ctx context.Context, symbol string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var id int64
	if scanErr := pool.QueryRow(ctx, maxTradeIDSQL, symbol).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("max trade id: %w", scanErr)
	}
	return id, nil
}

// ListTradesAfter lists fills with id greater than afterID, ascending.
func (s *Store) ListTradesAfter(ctx context.Context, symbol string, afterID int64, limit int) ([]PaperTrade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesAfterSQL, symbol, afterID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades after: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]PaperTrade, 0)
	for rows.Next() {
		var (
			t         PaperTrade
			price     string
			qty       string
			fee       string
			cashAfter string
			pnl       sql.NullString
		)
		if scanErr := rows.Scan(
			&t.ID, &t.TS, &t.Symbol, &t.Action, &t.Reason,
			&price, &qty, &fee, &cashAfter,
			&pnl, &t.PnLRate, &t.HoldSec, &t.PredT0, &t.ModelVersion,
		); scanErr != nil {
			return nil, fmt.Errorf("scan paper trade: %w", scanErr)
		}

		var convErr error
		if t.Price, convErr = decimal.NewFromString(price); convErr != nil {
			return nil, fmt.Errorf("parse trade price: %w", convErr)
		}
		if t.Qty, convErr = decimal.NewFromString(qty); convErr != nil {
			return nil, fmt.Errorf("parse trade qty: %w", convErr)
		}
		if t.Fee, convErr = decimal.NewFromString(fee); convErr != nil {
			return nil, fmt.Errorf("parse trade fee: %w", convErr)
		}
		if t.CashAfter, convErr = decimal.NewFromString(cashAfter); convErr != nil {
			return nil, fmt.Errorf("parse trade cash_after: %w", convErr)
		}
		if t.PnL, convErr = parseNullDecimal(pnl); convErr != nil {
			return nil, convErr
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertDecision appends one per-tick diagnostic row.
func (s *Store) InsertDecision(ctx context.Context, dec PaperDecision) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertPaperDecisionSQL,
		dec.TS, dec.Symbol, dec.PosStatus, dec.Action, dec.Reason, dec.ReasonFlags,
		dec.EV, dec.EVRate, dec.PUp, dec.PDown, dec.PNone, dec.RT,
		dec.SpreadBps, dec.LagSec, dec.CostEst,
		dec.PredT0, dec.ModelVer,
		dec.Cash.String(), dec.Qty.String(), dec.Equity.String(), dec.DrawdownPct, dec.Profile,
	); execErr != nil {
		return fmt.Errorf("insert paper decision: %w", execErr)
	}
	return nil
}

// ListRecentDecisions lists the newest diagnostic rows first.
func (s *Store) ListRecentDecisions(ctx context.Context, symbol string, limit int) ([]PaperDecision, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows)
}

// ListDecisionsBetween lists diagnostic rows in [from, to) ascending.
func (s *Store) ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]PaperDecision, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows)
}

func collectDecisions(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]PaperDecision, error) {
	decisions := make([]PaperDecision, 0)
	for rows.Next() {
		var (
			d      PaperDecision
			cash   string
			qty    string
			equity string
		)
		if scanErr := rows.Scan(
			&d.TS, &d.Symbol, &d.PosStatus, &d.Action, &d.Reason, &d.ReasonFlags,
			&d.EV, &d.EVRate, &d.PUp, &d.PDown, &d.PNone, &d.RT,
			&d.SpreadBps, &d.LagSec, &d.CostEst,
			&d.PredT0, &d.ModelVer,
			&cash, &qty, &equity, &d.DrawdownPct, &d.Profile,
		); scanErr != nil {
			return nil, fmt.Errorf("scan paper decision: %w", scanErr)
		}

		var convErr error
		if d.Cash, convErr = decimal.NewFromString(cash); convErr != nil {
			return nil, fmt.Errorf("parse decision cash: %w", convErr)
		}
		if d.Qty, convErr = decimal.NewFromString(qty); convErr != nil {
			return nil, fmt.Errorf("parse decision qty: %w", convErr)
		}
		if d.Equity, convErr = decimal.NewFromString(equity); convErr != nil {
			return nil, fmt.Errorf("parse decision equity: %w", convErr)
		}

		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal: %w", err)
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
