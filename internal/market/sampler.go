package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/exchange"
	"barrierbot/internal/storage"
)

const imbalanceDepth = 5

// BookSource provides public market snapshots.
type BookSource interface {
	GetOrderbook(ctx context.Context, market string) (*exchange.Orderbook, error)
}

// Sampler polls the public order book once per tick, refreshes the shared
// snapshot, and enqueues one completed bar for the writer.
type Sampler struct {
	symbol string
	source BookSource
	state  *State
	queue  *Queue
	logger zerolog.Logger
}

// NewSampler wires a sampler for one market.
func NewSampler(symbol string, source BookSource, state *State, queue *Queue, logger zerolog.Logger) *Sampler {
	return &Sampler{
		symbol: symbol,
		source: source,
		state:  state,
		queue:  queue,
		logger: logger.With().Str("component", "sampler").Logger(),
	}
}

// Tick fetches one snapshot and hands it off.
func (s *Sampler) Tick(ctx context.Context, tick time.Time) error {
	book, err := s.source.GetOrderbook(ctx, s.symbol)
	if err != nil {
		return fmt.Errorf("fetch orderbook: %w", err)
	}
	if len(book.Units) == 0 {
		return fmt.Errorf("orderbook for %s has no levels", s.symbol)
	}

	top := book.Units[0]
	now := time.UnixMilli(book.Timestamp).UTC()
	snap := Snapshot{
		Symbol:     s.symbol,
		BestBid:    top.BidPrice,
		BestAsk:    top.AskPrice,
		LastUpdate: now,
	}
	s.state.Set(snap)

	bar := snapshotBar(snap, book.Units, tick.Truncate(time.Second))
	if s.queue.Push(bar) {
		s.logger.Warn().
			Int64("dropped_total", s.queue.Dropped()).
			Msg("bar queue full, dropped oldest")
	}
	return nil
}

// snapshotBar builds a 1s bar from a single point-in-time quote. Without a
// trade stream the OHLC legs collapse to the sampled values.
func snapshotBar(snap Snapshot, units []exchange.OrderbookUnit, ts time.Time) storage.Bar {
	mid := (snap.BestBid + snap.BestAsk) / 2
	spread := snap.SpreadBps()

	var bidNotional, askNotional float64
	for i, unit := range units {
		if i >= imbalanceDepth {
			break
		}
		bidNotional += unit.BidPrice * unit.BidSize
		askNotional += unit.AskPrice * unit.AskSize
	}
	var imbalance float64
	if total := bidNotional + askNotional; total > 0 {
		imbalance = (bidNotional - askNotional) / total
	}

	bid, ask := snap.BestBid, snap.BestAsk
	return storage.Bar{
		Symbol:      snap.Symbol,
		TS:          ts,
		Mid:         &mid,
		Bid:         &bid,
		Ask:         &ask,
		BidOpen:     &bid,
		BidHigh:     &bid,
		BidLow:      &bid,
		BidClose:    &bid,
		AskOpen:     &ask,
		AskHigh:     &ask,
		AskLow:      &ask,
		AskClose:    &ask,
		MidClose:    &mid,
		SpreadBps:   &spread,
		ImbNotional: &imbalance,
	}
}
