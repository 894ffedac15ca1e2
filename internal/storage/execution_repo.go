package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	findAttemptSQL = `SELECT
        id, ts, symbol, action, mode, side, ord_type, price, volume,
        paper_trade_id, identifier, order_uuid, request_json, response_json,
        status, error_msg, blocked_reasons, http_status, latency_ms,
        remaining_req, retry_count, final_state, executed_volume, paid_fee
    FROM order_attempts
    WHERE identifier = $1 AND mode = $2;`

	insertAttemptSQL = `INSERT INTO order_attempts (
        ts, symbol, action, mode, side, ord_type, price, volume,
        paper_trade_id, identifier, order_uuid, request_json, response_json,
        status, error_msg, blocked_reasons, http_status, latency_ms,
        remaining_req, retry_count, final_state, executed_volume, paid_fee
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
    )
    RETURNING id;`

	setAttemptFinalSQL = `UPDATE order_attempts
    SET status = $2,
        final_state = $3,
        executed_volume = $4,
        paid_fee = $5
    WHERE id = $1;`

	insertOrderPollSQL = `INSERT INTO order_polls (
        attempt_id, ts, state, remaining_volume, executed_volume, response_json
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listSubmittedOpenSQL = `SELECT
        id, ts, symbol, action, mode, side, ord_type, price, volume,
        paper_trade_id, identifier, order_uuid, request_json, response_json,
        status, error_msg, blocked_reasons, http_status, latency_ms,
        remaining_req, retry_count, final_state, executed_volume, paid_fee
    FROM order_attempts
    WHERE symbol = $1 AND status = 'submitted'
    ORDER BY ts DESC
    LIMIT $2;`
)

// AttemptStore defines the idempotent exchange attempt ledger.
type AttemptStore interface {
	// FindAttempt returns the attempt for (identifier, mode), or nil when
	// none was recorded yet.
	FindAttempt(ctx context.Context, identifier, mode string) (*OrderAttempt, error)
	InsertAttempt(ctx context.Context, attempt OrderAttempt) (int64, error)
	SetAttemptFinal(ctx context.Context, id int64, status string, finalState *string, executedVolume, paidFee *string) error
	InsertOrderPoll(ctx context.Context, poll OrderPoll) error
	// ListSubmittedOpen lists attempts still in submitted state, newest first.
	ListSubmittedOpen(ctx context.Context, symbol string, limit int) ([]OrderAttempt, error)
}

// FindAttempt looks up a prior attempt by its idempotency key.
func (s *Store) FindAttempt(ctx context.Context, identifier, mode string) (*OrderAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findAttemptSQL, identifier, mode)
	if queryErr != nil {
		return nil, fmt.Errorf("find attempt: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	attempt, scanErr := scanAttempt(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &attempt, rows.Err()
}

// InsertAttempt appends one attempt row and returns its id.
func (s *Store) InsertAttempt(ctx context.Context, attempt OrderAttempt) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	row := pool.QueryRow(ctx, insertAttemptSQL,
		attempt.TS, attempt.Symbol, attempt.Action, attempt.Mode,
		attempt.Side, attempt.OrdType, decimalArg(attempt.Price), decimalArg(attempt.Volume),
		attempt.PaperTradeID, attempt.Identifier, attempt.OrderUUID,
		[]byte(attempt.RequestJSON), []byte(attempt.ResponseJSON),
		attempt.Status, attempt.ErrorMsg, attempt.BlockedReasons,
		attempt.HTTPStatus, attempt.LatencyMS, attempt.RemainingReq,
		attempt.RetryCount, attempt.FinalState,
		decimalArg(attempt.ExecutedVolume), decimalArg(attempt.PaidFee),
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert order attempt: %w", scanErr)
	}
	return id, nil
}

// SetAttemptFinal records the terminal status of a polled live order.
func (s *Store) SetAttemptFinal(ctx context.Context, id int64, status string, finalState *string, executedVolume, paidFee *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, setAttemptFinalSQL, id, status, finalState, executedVolume, paidFee); execErr != nil {
		return fmt.Errorf("set attempt final: %w", execErr)
	}
	return nil
}

// InsertOrderPoll appends one poll snapshot.
func (s *Store) InsertOrderPoll(ctx context.Context, poll OrderPoll) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertOrderPollSQL,
		poll.AttemptID, poll.TS, poll.State,
		decimalArg(poll.RemainingVolume), decimalArg(poll.ExecutedVolume),
		[]byte(poll.ResponseJSON),
	); execErr != nil {
		return fmt.Errorf("insert order poll: %w", execErr)
	}
	return nil
}

// ListSubmittedOpen lists attempts that were submitted but never resolved.
func (s *Store) ListSubmittedOpen(ctx context.Context, symbol string, limit int) ([]OrderAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubmittedOpenSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list submitted attempts: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]OrderAttempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(rows interface{ Scan(...any) error }) (OrderAttempt, error) {
	var (
		a        OrderAttempt
		price    sql.NullString
		volume   sql.NullString
		reqJSON  []byte
		respJSON []byte
		execVol  sql.NullString
		paidFee  sql.NullString
	)
	if err := rows.Scan(
		&a.ID, &a.TS, &a.Symbol, &a.Action, &a.Mode, &a.Side, &a.OrdType, &price, &volume,
		&a.PaperTradeID, &a.Identifier, &a.OrderUUID, &reqJSON, &respJSON,
		&a.Status, &a.ErrorMsg, &a.BlockedReasons, &a.HTTPStatus, &a.LatencyMS,
		&a.RemainingReq, &a.RetryCount, &a.FinalState, &execVol, &paidFee,
	); err != nil {
		return OrderAttempt{}, fmt.Errorf("scan order attempt: %w", err)
	}

	a.RequestJSON = reqJSON
	a.ResponseJSON = respJSON

	var convErr error
	if a.Price, convErr = parseNullDecimal(price); convErr != nil {
		return OrderAttempt{}, convErr
	}
	if a.Volume, convErr = parseNullDecimal(volume); convErr != nil {
		return OrderAttempt{}, convErr
	}
	if a.ExecutedVolume, convErr = parseNullDecimal(execVol); convErr != nil {
		return OrderAttempt{}, convErr
	}
	if a.PaidFee, convErr = parseNullDecimal(paidFee); convErr != nil {
		return OrderAttempt{}, convErr
	}
	return a, nil
}
