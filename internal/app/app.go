package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/engine"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/lock"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/ws"
	"okx-carry-bot/internal/paper"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/state/postgres"
	"okx-carry-bot/internal/state/sqlite"
	"okx-carry-bot/internal/timescale"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errLockLost = errors.New("engine lock lost")

// store is the persistence surface: kv for idempotency and operator state,
// plus the position records.
type store interface {
	state.Store
	state.PositionStore
}

// venue is what both the OKX adapter and the paper exchange provide.
type venue interface {
	engine.MarketData
	exec.Venue
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     store
	venue     venue
	okx       *exchange.Exchange
	ws        *ws.Client
	coord     *exec.Coordinator
	engine    *engine.Engine
	prom      *metrics.Prometheus
	metrics   *metrics.Metrics
	alerts    *alerts.Telegram
	notifier  alerts.Notifier
	timescale *timescale.Writer
	locker    lock.Locker
	redis     *redis.Client

	opsMu          sync.RWMutex
	paused         bool
	riskOverride   *config.RiskConfig
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := openStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open %s state: %w", cfg.State.Driver, err)
	}
	a.store = st

	if cfg.Mode == config.ModePaper {
		a.venue = paper.New(cfg.Paper, cfg.Exchange.FundingIntervalsPerDay, log.Named("paper"))
	} else {
		a.okx = exchange.NewFromConfig(cfg.Exchange, market.NewFundingCache(), log.Named("okx"))
		a.okx.RestrictSymbols(cfg.Strategy.Symbols)
		a.venue = a.okx
		if cfg.Exchange.WSEnabledValue() {
			a.ws = ws.New(cfg.Exchange.WSURL, cfg.Exchange.ReconnectDelay, cfg.Exchange.PingInterval, log.Named("ws"))
		}
	}

	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	sinks := []alerts.Sink{alerts.NewLogSink(log.Named("alerts"))}
	a.alerts = alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))
	if cfg.Telegram.Enabled {
		sinks = append(sinks, a.alerts)
	}
	a.notifier = alerts.NewDispatcher(log, sinks...)

	a.timescale, err = timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}

	if cfg.Redis.Enabled {
		a.redis, err = lock.Dial(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.locker = lock.NewRedis(a.redis, cfg.Redis.LockKey, cfg.Redis.LockTTL, log.Named("lock"))
	} else {
		a.locker = lock.NewLocal(cfg.Redis.LockKey)
	}

	executor := exec.New(a.venue, a.store, cfg.Execution, a.metrics, log.Named("executor"))
	a.coord = exec.NewCoordinator(exec.CoordinatorConfig{
		Execution:       cfg.Execution,
		MaxSlippage:     decimal.NewFromFloat(cfg.Risk.MaxAllowedSlippage),
		SpotEarning:     cfg.Strategy.SpotEarningEnabled(),
		IntervalsPerDay: cfg.Exchange.FundingIntervalsPerDay,
	}, a.venue, executor, a.store, a.store, a.notifier, a.metrics, log.Named("coordinator"))
	if err := a.coord.LoadHalts(ctx); err != nil {
		return nil, err
	}
	a.engine = engine.New(engine.Options{
		Strategy:        cfg.Strategy,
		Risk:            cfg.Risk,
		Execution:       cfg.Execution,
		IntervalsPerDay: cfg.Exchange.FundingIntervalsPerDay,
	}, a.venue, a.coord, a.store, a.store, a.timescale, a.notifier, a.metrics, log.Named("engine"))

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.StateConfig) (store, error) {
	if cfg.Driver == config.StateDriverPostgres {
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close releases the connections opened by New.
func (a *App) Close() {
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state close failed", zap.Error(err))
		}
	}
}

// Run holds the engine lock and drives scan and manage cycles until ctx is
// done or the lock is lost.
func (a *App) Run(ctx context.Context) error {
	if err := a.locker.Acquire(ctx); err != nil {
		return err
	}
	defer a.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.startMetrics(ctx)
	a.startTimescale(ctx)
	a.startFundingFeed(ctx)
	a.startOperator(ctx)

	a.log.Info("engine started",
		zap.String("mode", a.cfg.Mode),
		zap.Duration("scan_interval", a.cfg.Strategy.ScanInterval),
		zap.Duration("manage_interval", a.cfg.Strategy.ManageInterval),
	)
	// transient positions from a previous run are resumed before any new open
	a.manage(ctx)
	a.scan(ctx)

	scanTicker := time.NewTicker(a.cfg.Strategy.ScanInterval)
	defer scanTicker.Stop()
	manageTicker := time.NewTicker(a.cfg.Strategy.ManageInterval)
	defer manageTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.locker.Lost():
			a.notifier.Notify(context.Background(), alerts.Event{
				Level: alerts.LevelError,
				Kind:  alerts.KindCycleFailed,
				Err:   errLockLost,
			})
			return errLockLost
		case <-scanTicker.C:
			a.scan(ctx)
		case <-manageTicker.C:
			a.manage(ctx)
		}
	}
}

// RunOnce runs one manage cycle followed by one scan under the engine lock.
func (a *App) RunOnce(ctx context.Context) error {
	if err := a.locker.Acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	if _, err := a.engine.ManageOpenPositions(ctx); err != nil {
		return err
	}
	if a.isPaused() {
		return nil
	}
	_, err := a.engine.ScanAndOpen(ctx)
	return err
}

func (a *App) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.locker.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		a.log.Warn("engine lock release failed", zap.Error(err))
	}
}

func (a *App) scan(ctx context.Context) {
	if a.isPaused() {
		a.log.Debug("scan skipped: paused")
		return
	}
	result, err := a.engine.ScanAndOpen(ctx)
	if err != nil {
		a.log.Warn("scan cycle failed", zap.Error(err))
		return
	}
	a.log.Info("scan cycle",
		zap.Int("funding_rates", result.FundingRates),
		zap.Int("decisions", result.Decisions),
		zap.Int("opened", len(result.Opened)),
		zap.Int("failed", result.Failed),
	)
}

func (a *App) manage(ctx context.Context) {
	result, err := a.engine.ManageOpenPositions(ctx)
	if err != nil {
		a.log.Warn("manage cycle failed", zap.Error(err))
		return
	}
	a.log.Info("manage cycle",
		zap.Int("open", len(result.Open)),
		zap.Int("resumed", result.Resumed),
		zap.Int("commands", result.Commands),
		zap.Int("reset", result.Reset),
		zap.Int("closed", result.Closed),
		zap.Int("failed", result.Failed),
	)
}

func (a *App) startMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

func (a *App) startFundingFeed(ctx context.Context) {
	if a.okx == nil || a.ws == nil {
		return
	}
	go func() {
		if err := a.okx.RunFundingFeed(ctx, a.ws); err != nil && ctx.Err() == nil {
			a.log.Warn("funding feed stopped; falling back to REST", zap.Error(err))
		}
	}()
}

// Status writes the positions table, the halted symbols and the last cycle.
func (a *App) Status(ctx context.Context, w io.Writer) error {
	positions, err := a.store.LoadOpenPositions(ctx)
	if err != nil {
		return err
	}
	writePositions(w, positions)

	halted := a.coord.Halts()
	if len(halted) > 0 {
		symbols := make([]string, 0, len(halted))
		for symbol := range halted {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			fmt.Fprintf(w, "halted %s: %s\n", symbol, halted[symbol])
		}
	}

	snap, ok, err := state.LoadCycleSnapshot(ctx, a.store)
	if err != nil {
		return err
	}
	if ok {
		line := fmt.Sprintf("last %s cycle at %s: rates=%d decisions=%d opened=%d commands=%d open=%d",
			snap.Action,
			time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339),
			snap.FundingRates, snap.Decisions, snap.Opened, snap.Commands, snap.OpenPositions)
		if snap.Error != "" {
			line += " error=" + snap.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func writePositions(w io.Writer, positions []*position.Position) {
	if len(positions) == 0 {
		fmt.Fprintln(w, "no open positions")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Symbol", "Direction", "Status", "Opened", "Amount", "Spot", "Swap", "Margin", "Funding", "Earn", "Fees", "Resets")
	for _, p := range positions {
		margin := "-"
		if p.MarginRatio != nil {
			margin = p.MarginRatio.StringFixed(4)
		}
		table.Append(
			p.Symbol,
			string(p.Direction),
			string(p.Status),
			p.OpenTimestamp.UTC().Format("2006-01-02 15:04"),
			p.PositionAmount.String(),
			p.EntrySpotPrice.String(),
			p.EntrySwapPrice.String(),
			margin,
			p.NetFunding().StringFixed(4),
			p.TotalSpotEarningYield.StringFixed(4),
			p.TotalTradeFee.StringFixed(4),
			fmt.Sprintf("%d", p.ResetsCount),
		)
	}
	table.Render()
}
