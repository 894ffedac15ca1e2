package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/metrics"
	"barrierbot/internal/storage"
)

// Writer drains queued bars into persistent storage each tick.
type Writer struct {
	bars   storage.BarStore
	queue  *Queue
	stats  *metrics.Metrics
	logger zerolog.Logger
}

// NewWriter wires a bar writer.
func NewWriter(bars storage.BarStore, queue *Queue, stats *metrics.Metrics, logger zerolog.Logger) *Writer {
	return &Writer{
		bars:   bars,
		queue:  queue,
		stats:  stats,
		logger: logger.With().Str("component", "bar_writer").Logger(),
	}
}

// Tick persists everything currently queued. A failed upsert stops the
// drain; the remaining bars were already removed from the queue, so the
// failure is logged with the count lost.
func (w *Writer) Tick(ctx context.Context, _ time.Time) error {
	w.stats.SetBarsDropped(w.queue.Dropped())

	bars := w.queue.Drain()
	for i, bar := range bars {
		if err := w.bars.UpsertBar(ctx, bar); err != nil {
			w.logger.Error().
				Err(err).
				Int("lost", len(bars)-i).
				Msg("bar upsert failed mid-drain")
			return fmt.Errorf("upsert bar %s: %w", bar.TS.Format(time.RFC3339), err)
		}
	}
	return nil
}
