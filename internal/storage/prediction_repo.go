package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	upsertPredictionSQL = `INSERT INTO predictions (
        symbol, t0, h_sec, r_t,
        p_up, p_down, p_none,
        ev, ev_rate, slope_pred,
        direction_hat, action_hat, model_version, status,
        sigma_1s, sigma_h, z_barrier, spread_bps, features
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
    )
    ON CONFLICT ON CONSTRAINT uq_predictions_symbol_t0 DO UPDATE
    SET
        r_t           = EXCLUDED.r_t,
        p_up          = EXCLUDED.p_up,
        p_down        = EXCLUDED.p_down,
        p_none        = EXCLUDED.p_none,
        ev            = EXCLUDED.ev,
        ev_rate       = EXCLUDED.ev_rate,
        slope_pred    = EXCLUDED.slope_pred,
        direction_hat = EXCLUDED.direction_hat,
        action_hat    = EXCLUDED.action_hat,
        model_version = EXCLUDED.model_version,
        sigma_1s      = EXCLUDED.sigma_1s,
        sigma_h       = EXCLUDED.sigma_h,
        z_barrier     = EXCLUDED.z_barrier,
        spread_bps    = EXCLUDED.spread_bps,
        features      = EXCLUDED.features;`

	predictionColumns = `symbol, t0, h_sec, r_t,
        p_up, p_down, p_none,
        ev, ev_rate, slope_pred,
        direction_hat, action_hat, model_version, status,
        sigma_1s, sigma_h, z_barrier, spread_bps, features`

	latestPredictionSQL = `SELECT ` + predictionColumns + `
    FROM predictions
    WHERE symbol = $1
    ORDER BY t0 DESC
    LIMIT 1;`

	listExpiredPendingSQL = `SELECT ` + predictionColumns + `
    FROM predictions
    WHERE symbol = $1
      AND status = 'PENDING'
      AND t0 + make_interval(secs => h_sec) <= $2
    ORDER BY t0 ASC
    LIMIT $3;`

	settlePredictionSQL = `UPDATE predictions
    SET status = 'SETTLED'
    WHERE symbol = $1 AND t0 = $2;`

	upsertEvaluationSQL = `INSERT INTO evaluation_results (
        ts, symbol, t0, r_t,
        p_up, p_down, p_none, ev,
        direction_hat, actual_direction, actual_r_t, touch_time_sec,
        entry_price, u_exec, d_exec, ambig_touch, r_h,
        brier, logloss, label_version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
    )
    ON CONFLICT ON CONSTRAINT uq_evaluation_results_symbol_t0 DO UPDATE
    SET
        ts               = EXCLUDED.ts,
        actual_direction = EXCLUDED.actual_direction,
        actual_r_t       = EXCLUDED.actual_r_t,
        touch_time_sec   = EXCLUDED.touch_time_sec,
        entry_price      = EXCLUDED.entry_price,
        u_exec           = EXCLUDED.u_exec,
        d_exec           = EXCLUDED.d_exec,
        ambig_touch      = EXCLUDED.ambig_touch,
        r_h              = EXCLUDED.r_h,
        brier            = EXCLUDED.brier,
        logloss          = EXCLUDED.logloss,
        label_version    = EXCLUDED.label_version;`

	listRecentEvaluationsSQL = `SELECT
        ts, symbol, t0, r_t,
        p_up, p_down, p_none, ev,
        direction_hat, actual_direction, actual_r_t, touch_time_sec,
        entry_price, u_exec, d_exec, ambig_touch, r_h,
        brier, logloss, label_version
    FROM evaluation_results
    WHERE symbol = $1
    ORDER BY t0 DESC
    LIMIT $2;`
)

// PredictionStore defines forecast persistence.
type PredictionStore interface {
	UpsertPrediction(ctx context.Context, pred Prediction) error
	LatestPrediction(ctx context.Context, symbol string) (*Prediction, error)
	// ListExpiredPending returns PENDING predictions whose horizon has
	// expired, ascending by t0, bounded by limit.
	ListExpiredPending(ctx context.Context, symbol string, now time.Time, limit int) ([]Prediction, error)
	// SettlePrediction writes the evaluation result and flips the
	// prediction to SETTLED in one transaction.
	SettlePrediction(ctx context.Context, result EvaluationResult) error
}

// EvaluationStore provides read access to settled results.
type EvaluationStore interface {
	ListRecentEvaluations(ctx context.Context, symbol string, limit int) ([]EvaluationResult, error)
}

// UpsertPrediction validates and persists a forecast.
func (s *Store) UpsertPrediction(ctx context.Context, pred Prediction) error {
	if err := pred.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertPredictionSQL,
		pred.Symbol, pred.T0, pred.HSec, pred.RT,
		pred.PUp, pred.PDown, pred.PNone,
		pred.EV, pred.EVRate, pred.SlopePred,
		pred.DirectionHat, pred.ActionHat, pred.ModelVersion, pred.Status,
		pred.Sigma1s, pred.SigmaH, pred.ZBarrier, pred.SpreadBps, []byte(pred.Features),
	); execErr != nil {
		return fmt.Errorf("upsert prediction: %w", execErr)
	}
	return nil
}

// LatestPrediction returns the most recent forecast, or nil when none exists.
func (s *Store) LatestPrediction(ctx context.Context, symbol string) (*Prediction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPredictionSQL, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("latest prediction: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	pred, scanErr := scanPrediction(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &pred, rows.Err()
}

// ListExpiredPending lists matured PENDING predictions ascending by t0.
func (s *Store) ListExpiredPending(ctx context.Context, symbol string, now time.Time, limit int) ([]Prediction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExpiredPendingSQL, symbol, now, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list expired pending: %w", queryErr)
	}
	defer rows.Close()

	preds := make([]Prediction, 0, limit)
	for rows.Next() {
		pred, scanErr := scanPrediction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		preds = append(preds, pred)
	}
	return preds, rows.Err()
}

// SettlePrediction records the result and the SETTLED flip atomically, so a
// cancellation can never leave a settled prediction without its result row.
func (s *Store) SettlePrediction(ctx context.Context, result EvaluationResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin settle tx: %w", txErr)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, upsertEvaluationSQL,
		result.TS, result.Symbol, result.T0, result.RT,
		result.PUp, result.PDown, result.PNone, result.EV,
		result.DirectionHat, result.ActualDirection, result.ActualRT, result.TouchTimeSec,
		result.EntryPrice, result.UExec, result.DExec, result.AmbigTouch, result.RH,
		result.Brier, result.Logloss, result.LabelVersion,
	); execErr != nil {
		return fmt.Errorf("upsert evaluation result: %w", execErr)
	}

	if _, execErr := tx.Exec(ctx, settlePredictionSQL, result.Symbol, result.T0); execErr != nil {
		return fmt.Errorf("settle prediction: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit settle tx: %w", commitErr)
	}
	return nil
}

// ListRecentEvaluations lists settled results descending by t0.
func (s *Store) ListRecentEvaluations(ctx context.Context, symbol string, limit int) ([]EvaluationResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEvaluationsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent evaluations: %w", queryErr)
	}
	defer rows.Close()

	results := make([]EvaluationResult, 0, limit)
	for rows.Next() {
		var r EvaluationResult
		if scanErr := rows.Scan(
			&r.TS, &r.Symbol, &r.T0, &r.RT,
			&r.PUp, &r.PDown, &r.PNone, &r.EV,
			&r.DirectionHat, &r.ActualDirection, &r.ActualRT, &r.TouchTimeSec,
			&r.EntryPrice, &r.UExec, &r.DExec, &r.AmbigTouch, &r.RH,
			&r.Brier, &r.Logloss, &r.LabelVersion,
		); scanErr != nil {
			return nil, fmt.Errorf("scan evaluation result: %w", scanErr)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanPrediction(rows pgx.Rows) (Prediction, error) {
	var p Prediction
	var features []byte
	if err := rows.Scan(
		&p.Symbol, &p.T0, &p.HSec, &p.RT,
		&p.PUp, &p.PDown, &p.PNone,
		&p.EV, &p.EVRate, &p.SlopePred,
		&p.DirectionHat, &p.ActionHat, &p.ModelVersion, &p.Status,
		&p.Sigma1s, &p.SigmaH, &p.ZBarrier, &p.SpreadBps, &features,
	); err != nil {
		return Prediction{}, fmt.Errorf("scan prediction: %w", err)
	}
	p.Features = features
	return p, nil
}
