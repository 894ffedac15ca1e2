package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	selectBarrierParamsSQL = `SELECT symbol, k_vol_eff, none_ewma, target_none,
        ewma_alpha, ewma_eta, last_t0, updated_at
    FROM barrier_params
    WHERE symbol = $1;`

	selectBarrierParamsForUpdateSQL = `SELECT symbol, k_vol_eff, none_ewma, target_none,
        ewma_alpha, ewma_eta, last_t0, updated_at
    FROM barrier_params
    WHERE symbol = $1
    FOR UPDATE;`

	insertBarrierParamsSQL = `INSERT INTO barrier_params (
        symbol, k_vol_eff, none_ewma, target_none, ewma_alpha, ewma_eta, last_t0
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (symbol) DO NOTHING;`

	updateBarrierParamsSQL = `UPDATE barrier_params
    SET k_vol_eff = $2,
        none_ewma = $3,
        last_t0   = $4,
        updated_at = now()
    WHERE symbol = $1;`

	upsertBarrierStateSQL = `INSERT INTO barrier_state (
        symbol, ts, h_sec, vol_window_sec, vol_dt_sec,
        sigma_1s, sigma_h,
        r_min, r_min_eff, r_max, k_vol, k_vol_eff,
        none_ewma, target_none, ewma_alpha, ewma_eta,
        r_t, spread_bps_med, cost_roundtrip_est,
        sample_n, status, error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
    )
    ON CONFLICT (symbol, ts) DO UPDATE
    SET
        sigma_1s           = EXCLUDED.sigma_1s,
        sigma_h            = EXCLUDED.sigma_h,
        r_min_eff          = EXCLUDED.r_min_eff,
        k_vol_eff          = EXCLUDED.k_vol_eff,
        none_ewma          = EXCLUDED.none_ewma,
        r_t                = EXCLUDED.r_t,
        spread_bps_med     = EXCLUDED.spread_bps_med,
        cost_roundtrip_est = EXCLUDED.cost_roundtrip_est,
        sample_n           = EXCLUDED.sample_n,
        status             = EXCLUDED.status,
        error              = EXCLUDED.error;`

	latestBarrierStateSQL = `SELECT symbol, ts, h_sec, vol_window_sec, vol_dt_sec,
        sigma_1s, sigma_h,
        r_min, r_min_eff, r_max, k_vol, k_vol_eff,
        none_ewma, target_none, ewma_alpha, ewma_eta,
        r_t, spread_bps_med, cost_roundtrip_est,
        sample_n, status, error
    FROM barrier_state
    WHERE symbol = $1 AND ts <= $2
    ORDER BY ts DESC
    LIMIT 1;`

	listBarrierStatesBetweenSQL = `SELECT symbol, ts, h_sec, vol_window_sec, vol_dt_sec,
        sigma_1s, sigma_h,
        r_min, r_min_eff, r_max, k_vol, k_vol_eff,
        none_ewma, target_none, ewma_alpha, ewma_eta,
        r_t, spread_bps_med, cost_roundtrip_est,
        sample_n, status, error
    FROM barrier_state
    WHERE symbol = $1 AND ts >= $2 AND ts < $3
    ORDER BY ts ASC;`
)

// BarrierStore defines persistence for barrier params and state rows.
type BarrierStore interface {
	// GetOrCreateBarrierParams returns the per-symbol params, creating
	// them from defaults on first use.
	GetOrCreateBarrierParams(ctx context.Context, defaults BarrierParams) (BarrierParams, error)
	// ApplyBarrierFeedback runs apply against the current params inside a
	// single read-modify-write transaction (row-locked), then persists the
	// mutated gain and EWMA.
	ApplyBarrierFeedback(ctx context.Context, symbol string, apply func(p *BarrierParams)) (BarrierParams, error)
	UpsertBarrierState(ctx context.Context, state BarrierState) error
	LatestBarrierState(ctx context.Context, symbol string, at time.Time) (*BarrierState, error)
	ListBarrierStatesBetween(ctx context.Context, symbol string, from, to time.Time) ([]BarrierState, error)
}

// GetOrCreateBarrierParams loads the singleton row, inserting defaults when
// missing.
func (s *Store) GetOrCreateBarrierParams(ctx context.Context, defaults BarrierParams) (BarrierParams, error) {
	pool, err := s.getPool()
	if err != nil {
		return BarrierParams{}, err
	}

	if _, execErr := pool.Exec(ctx, insertBarrierParamsSQL,
		defaults.Symbol, defaults.KVolEff, defaults.NoneEwma,
		defaults.TargetNone, defaults.EwmaAlpha, defaults.EwmaEta, defaults.LastT0,
	); execErr != nil {
		return BarrierParams{}, fmt.Errorf("create barrier params: %w", execErr)
	}

	var p BarrierParams
	row := pool.QueryRow(ctx, selectBarrierParamsSQL, defaults.Symbol)
	if scanErr := row.Scan(
		&p.Symbol, &p.KVolEff, &p.NoneEwma, &p.TargetNone,
		&p.EwmaAlpha, &p.EwmaEta, &p.LastT0, &p.UpdatedAt,
	); scanErr != nil {
		return BarrierParams{}, fmt.Errorf("load barrier params: %w", scanErr)
	}
	return p, nil
}

// ApplyBarrierFeedback mutates the params under a row lock so concurrent
// controller reads never observe a torn update.
func (s *Store) ApplyBarrierFeedback(ctx context.Context, symbol string, apply func(p *BarrierParams)) (BarrierParams, error) {
	pool, err := s.getPool()
	if err != nil {
		return BarrierParams{}, err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return BarrierParams{}, fmt.Errorf("begin feedback tx: %w", txErr)
	}
	defer tx.Rollback(ctx)

	var p BarrierParams
	row := tx.QueryRow(ctx, selectBarrierParamsForUpdateSQL, symbol)
	if scanErr := row.Scan(
		&p.Symbol, &p.KVolEff, &p.NoneEwma, &p.TargetNone,
		&p.EwmaAlpha, &p.EwmaEta, &p.LastT0, &p.UpdatedAt,
	); scanErr != nil {
		return BarrierParams{}, fmt.Errorf("lock barrier params: %w", scanErr)
	}

	apply(&p)

	if _, execErr := tx.Exec(ctx, updateBarrierParamsSQL,
		p.Symbol, p.KVolEff, p.NoneEwma, p.LastT0,
	); execErr != nil {
		return BarrierParams{}, fmt.Errorf("update barrier params: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return BarrierParams{}, fmt.Errorf("commit feedback tx: %w", commitErr)
	}
	return p, nil
}

// UpsertBarrierState writes one controller output row.
func (s *Store) UpsertBarrierState(ctx context.Context, state BarrierState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertBarrierStateSQL,
		state.Symbol, state.TS, state.HSec, state.VolWindowSec, state.VolDtSec,
		state.Sigma1s, state.SigmaH,
		state.RMin, state.RMinEff, state.RMax, state.KVol, state.KVolEff,
		state.NoneEwma, state.TargetNone, state.EwmaAlpha, state.EwmaEta,
		state.RT, state.SpreadBpsMed, state.CostRoundtripEst,
		state.SampleN, state.Status, state.Error,
	); execErr != nil {
		return fmt.Errorf("upsert barrier state: %w", execErr)
	}
	return nil
}

// LatestBarrierState returns the newest state row at or before the given time.
func (s *Store) LatestBarrierState(ctx context.Context, symbol string, at time.Time) (*BarrierState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestBarrierStateSQL, symbol, at)
	if queryErr != nil {
		return nil, fmt.Errorf("latest barrier state: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	state, scanErr := scanBarrierState(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &state, rows.Err()
}

// ListBarrierStatesBetween lists state rows in [from, to).
func (s *Store) ListBarrierStatesBetween(ctx context.Context, symbol string, from, to time.Time) ([]BarrierState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBarrierStatesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list barrier states: %w", queryErr)
	}
	defer rows.Close()

	states := make([]BarrierState, 0)
	for rows.Next() {
		state, scanErr := scanBarrierState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanBarrierState(rows interface{ Scan(...any) error }) (BarrierState, error) {
	var st BarrierState
	if err := rows.Scan(
		&st.Symbol, &st.TS, &st.HSec, &st.VolWindowSec, &st.VolDtSec,
		&st.Sigma1s, &st.SigmaH,
		&st.RMin, &st.RMinEff, &st.RMax, &st.KVol, &st.KVolEff,
		&st.NoneEwma, &st.TargetNone, &st.EwmaAlpha, &st.EwmaEta,
		&st.RT, &st.SpreadBpsMed, &st.CostRoundtripEst,
		&st.SampleN, &st.Status, &st.Error,
	); err != nil {
		return BarrierState{}, fmt.Errorf("scan barrier state: %w", err)
	}
	return st, nil
}
