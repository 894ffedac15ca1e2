package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"barrierbot/internal/barrier"
	"barrierbot/internal/config"
	"barrierbot/internal/evaluator"
	"barrierbot/internal/exchange"
	"barrierbot/internal/execution"
	"barrierbot/internal/market"
	"barrierbot/internal/metrics"
	"barrierbot/internal/model"
	"barrierbot/internal/predictor"
	"barrierbot/internal/scheduler"
	"barrierbot/internal/storage"
	"barrierbot/internal/trading"
)

// Loops that trail another loop in the same tick start a beat later so
// their inputs for the tick are already persisted.
const (
	sampleInterval = time.Second

	writerDelay    = 200 * time.Millisecond
	predictorDelay = 300 * time.Millisecond
	tradingDelay   = 600 * time.Millisecond
	executionDelay = 900 * time.Millisecond
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newClient() *exchange.Client {
	return exchange.NewClient(a.Config.Exchange, a.Logger)
}

// Run executes the long-running trading service: the market sampler and bar
// writer, the barrier controller, the predictor, the paper trading loop, the
// evaluator, and the order execution follower, all on one aligned clock.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Database.MigrationsPath != "" {
		if err := store.Migrate(ctx, cfg.Database.MigrationsPath, a.Logger); err != nil {
			return err
		}
	}

	stats := metrics.New()
	state := market.NewState()
	queue := market.NewQueue(cfg.Market.QueueCapacity)
	client := a.newClient()

	symbol := cfg.Market.Symbol
	sampler := market.NewSampler(symbol, client, state, queue, a.Logger)
	writer := market.NewWriter(store, queue, stats, a.Logger)

	controller := barrier.NewController(cfg.Barrier, cfg.Cost, symbol, store, store, stats, a.Logger)

	baseline := model.NewBaseline(cfg.Model, cfg.Cost, cfg.Trading.Thresholds(), cfg.Trading.EnterSpreadBpsMax)
	pred := predictor.NewRunner(symbol, cfg.Model, store, store, store, baseline, a.Logger)

	eval := evaluator.New(symbol, cfg.Evaluator, cfg.Barrier, cfg.Cost, store, store, store, store, stats, a.Logger)

	policy := trading.NewPolicy(cfg.Trading, cfg.Cost, cfg.Market.DataLagMax, cfg.Barrier.Horizon)
	engine := trading.NewPaperEngine(cfg.Trading, cfg.Cost)
	trader := trading.NewRunner(symbol, cfg.Trading, cfg.Risk, policy, engine, state,
		store, store, store, store, stats, a.Logger)

	exec := execution.NewRunner(symbol, cfg.Execution, cfg.Trading.Profile, cfg.Market.DataLagMax,
		client, store, store, state, stats, a.Logger)
	defer exec.Wait()

	a.Logger.Info().
		Str("symbol", symbol).
		Str("profile", cfg.Trading.Profile).
		Str("mode", exec.ResolveMode()).
		Dur("decision_interval", cfg.Barrier.DecisionInterval).
		Msg("starting trading service")

	group, ctx := errgroup.WithContext(ctx)
	a.spawn(group, ctx, "sampler", sampleInterval, 0, sampler.Tick)
	a.spawn(group, ctx, "writer", sampleInterval, writerDelay, writer.Tick)
	a.spawn(group, ctx, "barrier", cfg.Barrier.DecisionInterval, 0, controller.Tick)
	a.spawn(group, ctx, "predictor", cfg.Barrier.DecisionInterval, predictorDelay, pred.Tick)
	a.spawn(group, ctx, "trading", cfg.Barrier.DecisionInterval, tradingDelay, trader.Tick)
	a.spawn(group, ctx, "execution", cfg.Barrier.DecisionInterval, executionDelay, exec.Tick)
	// The evaluator only has work once the first predictions mature.
	a.spawn(group, ctx, "evaluator", cfg.Barrier.DecisionInterval, cfg.Barrier.Horizon, eval.Tick)

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return stats.Serve(ctx, cfg.Metrics.ListenAddr, a.Logger)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("trading service stopped")
	return nil
}

func (a *App) spawn(group *errgroup.Group, ctx context.Context, name string, interval, delay time.Duration, tick scheduler.TickFunc) {
	sched := scheduler.New(scheduler.Options{
		Name:         name,
		Interval:     interval,
		AlignToStart: true,
		StartupDelay: delay,
	}, a.Logger)
	group.Go(func() error {
		return sched.Run(ctx, tick)
	})
}

// ExportOptions hold parameters for exporting decision history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
