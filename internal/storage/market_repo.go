package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	upsertBarSQL = `INSERT INTO market_1s (
        symbol, ts, mid, bid, ask,
        bid_open_1s, bid_high_1s, bid_low_1s, bid_close_1s,
        ask_open_1s, ask_high_1s, ask_low_1s, ask_close_1s,
        mid_close_1s, spread_bps, imb_notional_top5,
        trade_count_1s, trade_volume_1s
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
    )
    ON CONFLICT (symbol, ts) DO UPDATE
    SET
        mid               = EXCLUDED.mid,
        bid               = EXCLUDED.bid,
        ask               = EXCLUDED.ask,
        bid_open_1s       = EXCLUDED.bid_open_1s,
        bid_high_1s       = EXCLUDED.bid_high_1s,
        bid_low_1s        = EXCLUDED.bid_low_1s,
        bid_close_1s      = EXCLUDED.bid_close_1s,
        ask_open_1s       = EXCLUDED.ask_open_1s,
        ask_high_1s       = EXCLUDED.ask_high_1s,
        ask_low_1s        = EXCLUDED.ask_low_1s,
        ask_close_1s      = EXCLUDED.ask_close_1s,
        mid_close_1s      = EXCLUDED.mid_close_1s,
        spread_bps        = EXCLUDED.spread_bps,
        imb_notional_top5 = EXCLUDED.imb_notional_top5,
        trade_count_1s    = EXCLUDED.trade_count_1s,
        trade_volume_1s   = EXCLUDED.trade_volume_1s;`

	barColumns = `symbol, ts, mid, bid, ask,
        bid_open_1s, bid_high_1s, bid_low_1s, bid_close_1s,
        ask_open_1s, ask_high_1s, ask_low_1s, ask_close_1s,
        mid_close_1s, spread_bps, imb_notional_top5,
        trade_count_1s, trade_volume_1s`

	listBarsSinceSQL = `SELECT ` + barColumns + `
    FROM market_1s
    WHERE symbol = $1 AND ts >= $2
    ORDER BY ts ASC;`

	entryBarSQL = `SELECT ` + barColumns + `
    FROM market_1s
    WHERE symbol = $1 AND ts <= $2
    ORDER BY ts DESC
    LIMIT 1;`

	horizonBarsSQL = `SELECT ` + barColumns + `
    FROM market_1s
    WHERE symbol = $1 AND ts > $2 AND ts <= $3
    ORDER BY ts ASC;`
)

// BarStore defines read/append access to the completed-bar series.
type BarStore interface {
	UpsertBar(ctx context.Context, bar Bar) error
	ListBarsSince(ctx context.Context, symbol string, since time.Time) ([]Bar, error)
	// EntryBar returns the most recent bar at or before t0.
	EntryBar(ctx context.Context, symbol string, t0 time.Time) (*Bar, error)
	// HorizonBars returns bars strictly after t0 through tEnd inclusive
	// (bar-end semantics).
	HorizonBars(ctx context.Context, symbol string, t0, tEnd time.Time) ([]Bar, error)
	// HorizonEndBar returns the most recent bar at or before tEnd.
	HorizonEndBar(ctx context.Context, symbol string, tEnd time.Time) (*Bar, error)
}

// UpsertBar persists or replaces one completed bar.
func (s *Store) UpsertBar(ctx context.Context, bar Bar) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertBarSQL,
		bar.Symbol, bar.TS, bar.Mid, bar.Bid, bar.Ask,
		bar.BidOpen, bar.BidHigh, bar.BidLow, bar.BidClose,
		bar.AskOpen, bar.AskHigh, bar.AskLow, bar.AskClose,
		bar.MidClose, bar.SpreadBps, bar.ImbNotional,
		bar.TradeCount, bar.TradeVolume,
	)
	if execErr != nil {
		return fmt.Errorf("upsert bar: %w", execErr)
	}
	return nil
}

// ListBarsSince lists bars from since onward in ascending order.
func (s *Store) ListBarsSince(ctx context.Context, symbol string, since time.Time) ([]Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBarsSinceSQL, symbol, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list bars since: %w", queryErr)
	}
	defer rows.Close()

	return collectBars(rows)
}

// EntryBar returns the nearest bar at or before t0, or nil when absent.
func (s *Store) EntryBar(ctx context.Context, symbol string, t0 time.Time) (*Bar, error) {
	return s.singleBar(ctx, entryBarSQL, symbol, t0)
}

// HorizonBars lists the touch-detection window (t0, tEnd].
func (s *Store) HorizonBars(ctx context.Context, symbol string, t0, tEnd time.Time) ([]Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, horizonBarsSQL, symbol, t0, tEnd)
	if queryErr != nil {
		return nil, fmt.Errorf("list horizon bars: %w", queryErr)
	}
	defer rows.Close()

	return collectBars(rows)
}

// HorizonEndBar returns the nearest bar at or before tEnd, or nil when absent.
func (s *Store) HorizonEndBar(ctx context.Context, symbol string, tEnd time.Time) (*Bar, error) {
	return s.singleBar(ctx, entryBarSQL, symbol, tEnd)
}

func (s *Store) singleBar(ctx context.Context, sql, symbol string, ts time.Time) (*Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sql, symbol, ts)
	if queryErr != nil {
		return nil, fmt.Errorf("query bar: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	bar, scanErr := scanBar(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &bar, rows.Err()
}

func collectBars(rows pgx.Rows) ([]Bar, error) {
	bars := make([]Bar, 0)
	for rows.Next() {
		bar, scanErr := scanBar(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

func scanBar(rows pgx.Rows) (Bar, error) {
	var bar Bar
	if err := rows.Scan(
		&bar.Symbol, &bar.TS, &bar.Mid, &bar.Bid, &bar.Ask,
		&bar.BidOpen, &bar.BidHigh, &bar.BidLow, &bar.BidClose,
		&bar.AskOpen, &bar.AskHigh, &bar.AskLow, &bar.AskClose,
		&bar.MidClose, &bar.SpreadBps, &bar.ImbNotional,
		&bar.TradeCount, &bar.TradeVolume,
	); err != nil {
		return Bar{}, fmt.Errorf("scan bar: %w", err)
	}
	return bar, nil
}
