// Package metrics exposes Prometheus instrumentation for the trading loops.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics aggregates the registered collectors. A nil *Metrics is a valid
// no-op sink so callers never need to guard instrumentation sites.
type Metrics struct {
	registry *prometheus.Registry

	barrierRT    prometheus.Gauge
	noneEwma     prometheus.Gauge
	kVolEff      prometheus.Gauge
	equity       prometheus.Gauge
	drawdownPct  prometheus.Gauge
	spreadBps    prometheus.Gauge
	barsDropped  prometheus.Gauge
	settledTotal *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	attempts     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		barrierRT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_barrier_r_t",
			Help: "Current adaptive barrier width.",
		}),
		noneEwma: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_none_ewma",
			Help: "EWMA of NONE outcomes feeding the barrier gain.",
		}),
		kVolEff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_k_vol_eff",
			Help: "Effective volatility gain after feedback.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_paper_equity",
			Help: "Estimated paper equity.",
		}),
		drawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_drawdown_pct",
			Help: "Drawdown from peak paper equity.",
		}),
		spreadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_spread_bps",
			Help: "Latest quoted spread in basis points.",
		}),
		barsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barrierbot_bars_dropped_total",
			Help: "Bars evicted from the handoff queue.",
		}),
		settledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barrierbot_evaluations_settled_total",
			Help: "Settled predictions by realized direction.",
		}, []string{"direction"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barrierbot_decisions_total",
			Help: "Trading decisions by action.",
		}, []string{"action"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barrierbot_order_attempts_total",
			Help: "Order attempts by terminal status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.barrierRT, m.noneEwma, m.kVolEff,
		m.equity, m.drawdownPct, m.spreadBps, m.barsDropped,
		m.settledTotal, m.decisions, m.attempts,
	)
	return m
}

// SetBarrier records the controller outputs.
func (m *Metrics) SetBarrier(rt, noneEwma, kVolEff float64) {
	if m == nil {
		return
	}
	m.barrierRT.Set(rt)
	m.noneEwma.Set(noneEwma)
	m.kVolEff.Set(kVolEff)
}

// SetPortfolio records the position state machine outputs.
func (m *Metrics) SetPortfolio(equity, drawdownPct float64) {
	if m == nil {
		return
	}
	m.equity.Set(equity)
	m.drawdownPct.Set(drawdownPct)
}

// SetSpreadBps records the live spread.
func (m *Metrics) SetSpreadBps(bps float64) {
	if m == nil {
		return
	}
	m.spreadBps.Set(bps)
}

// SetBarsDropped records the cumulative queue eviction count.
func (m *Metrics) SetBarsDropped(n int64) {
	if m == nil {
		return
	}
	m.barsDropped.Set(float64(n))
}

// CountSettled increments the settled counter for one realized direction.
func (m *Metrics) CountSettled(direction string) {
	if m == nil {
		return
	}
	m.settledTotal.WithLabelValues(direction).Inc()
}

// CountDecision increments the decision counter for one action.
func (m *Metrics) CountDecision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

// CountAttempt increments the attempt counter for one status.
func (m *Metrics) CountAttempt(status string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(status).Inc()
}

// Serve runs the scrape endpoint until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if m == nil {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
