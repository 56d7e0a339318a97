// Package engine drives one scan-and-open or one manage cycle at a time. It
// owns no schedule: the app decides when a cycle runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/strategy"
	"okx-carry-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ActionScan   = "scan"
	ActionManage = "manage"

	defaultParallelCommands = 4
)

// MarketData is everything a cycle reads from the exchange.
type MarketData interface {
	strategy.MarketData
	FundingRates(ctx context.Context) ([]market.FundingRate, error)
	AccountEquity(ctx context.Context) (decimal.Decimal, error)
	SwapPositions(ctx context.Context) ([]market.SwapPosition, error)
}

// Coordinator is the execution surface the engine drives.
type Coordinator interface {
	Open(ctx context.Context, d strategy.Decision) (*position.Position, error)
	Close(ctx context.Context, p *position.Position, reason string) error
	Reset(ctx context.Context, p *position.Position, reason string) error
	Resume(ctx context.Context, p *position.Position) error
	Accrue(ctx context.Context, p *position.Position, live strategy.LiveData, now time.Time) error
	Halted(symbol string, dir position.Direction) bool
}

type Options struct {
	Strategy        config.StrategyConfig
	Risk            config.RiskConfig
	Execution       config.ExecutionConfig
	IntervalsPerDay int
}

type Engine struct {
	opts        Options
	data        MarketData
	evaluator   *strategy.Evaluator
	risk        *strategy.RiskMonitor
	coord       Coordinator
	positions   state.PositionStore
	kv          state.Store
	series      *timescale.Writer
	notifier    alerts.Notifier
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
	intervals   int
	maxParallel int

	// cycles never overlap
	mu sync.Mutex
}

// ScanResult summarizes one ScanAndOpen call.
type ScanResult struct {
	FundingRates int
	Decisions    int
	Opened       []*position.Position
	Failed       int
}

// ManageResult summarizes one ManageOpenPositions call.
type ManageResult struct {
	Resumed  int
	Commands int
	Reset    int
	Closed   int
	Failed   int
	Open     []*position.Position
}

func New(opts Options, data MarketData, coord Coordinator, positions state.PositionStore, kv state.Store, series *timescale.Writer, notifier alerts.Notifier, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	parallel := opts.Execution.MaxParallelCommands
	if parallel <= 0 {
		parallel = defaultParallelCommands
	}
	return &Engine{
		opts:        opts,
		data:        data,
		evaluator:   strategy.NewEvaluator(opts.Strategy, opts.Risk, opts.IntervalsPerDay, data, log.Named("evaluator")),
		risk:        strategy.NewRiskMonitor(opts.Risk, opts.IntervalsPerDay),
		coord:       coord,
		positions:   positions,
		kv:          kv,
		series:      series,
		notifier:    notifier,
		metrics:     metrics.OrNoop(m),
		log:         log,
		now:         time.Now,
		intervals:   opts.IntervalsPerDay,
		maxParallel: parallel,
	}
}

// SetRisk swaps the risk thresholds used by later cycles. It waits for a
// running cycle to finish.
func (e *Engine) SetRisk(risk config.RiskConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Risk = risk
	e.evaluator = strategy.NewEvaluator(e.opts.Strategy, risk, e.intervals, e.data, e.log.Named("evaluator"))
	e.risk = strategy.NewRiskMonitor(risk, e.intervals)
}

// ScanAndOpen evaluates every funding rate and opens the accepted decisions
// best first. An exchange outage abandons the cycle without retrying.
func (e *Engine) ScanAndOpen(ctx context.Context) (ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		rates  []market.FundingRate
		equity decimal.Decimal
		open   []*position.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rates, err = e.data.FundingRates(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		equity, err = e.data.AccountEquity(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		open, err = e.positions.LoadOpenPositions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return ScanResult{}, e.abandon(ctx, ActionScan, err)
	}
	e.recordFunding(rates)

	result := ScanResult{FundingRates: len(rates)}
	decisions, err := e.evaluator.FindOpportunities(ctx, rates, equity, open)
	if err != nil {
		return result, e.abandon(ctx, ActionScan, err)
	}
	result.Decisions = len(decisions)
	for _, d := range decisions {
		if e.coord.Halted(d.Symbol, d.Direction) {
			e.log.Info("skipping halted symbol", zap.String("symbol", d.Symbol))
			continue
		}
		p, err := e.coord.Open(ctx, d)
		if err != nil {
			result.Failed++
			if errors.Is(err, market.ErrExchangeUnavailable) || ctx.Err() != nil {
				return result, e.abandon(ctx, ActionScan, err)
			}
			e.log.Warn("open failed", zap.String("symbol", d.Symbol), zap.Error(err))
			continue
		}
		result.Opened = append(result.Opened, p)
	}
	openCount := countActive(open) + len(result.Opened)
	e.metrics.OpenPositions.Set(float64(openCount))
	e.saveSnapshot(ctx, state.CycleSnapshot{
		Action:        ActionScan,
		FundingRates:  result.FundingRates,
		Decisions:     result.Decisions,
		Opened:        len(result.Opened),
		OpenPositions: openCount,
	})
	return result, nil
}

// ManageOpenPositions resumes interrupted positions, books funding and earn
// accruals, then runs the risk monitor's commands with bounded parallelism.
func (e *Engine) ManageOpenPositions(ctx context.Context) (ManageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result ManageResult
	positions, err := e.positions.LoadOpenPositions(ctx)
	if err != nil {
		return result, e.abandon(ctx, ActionManage, err)
	}
	for _, p := range positions {
		if !p.Status.Transient() || e.coord.Halted(p.Symbol, p.Direction) {
			continue
		}
		result.Resumed++
		if err := e.coord.Resume(ctx, p); err != nil {
			result.Failed++
			e.log.Warn("resume failed", zap.String("symbol", p.Symbol), zap.String("status", string(p.Status)), zap.Error(err))
		}
	}

	var (
		swaps []market.SwapPosition
		rates []market.FundingRate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		swaps, err = e.data.SwapPositions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		rates, err = e.data.FundingRates(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return result, e.abandon(ctx, ActionManage, err)
	}
	live := liveData(swaps, rates)

	now := e.now().UTC()
	var open []*position.Position
	for _, p := range positions {
		if p.Status != position.StatusOpen {
			continue
		}
		open = append(open, p)
		if e.coord.Halted(p.Symbol, p.Direction) {
			continue
		}
		if err := e.coord.Accrue(ctx, p, live, now); err != nil {
			e.log.Warn("accrual not saved", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}

	commands := e.risk.Scan(open, live)
	var runnable []strategy.Command
	for _, cmd := range commands {
		if e.coord.Halted(cmd.Position.Symbol, cmd.Position.Direction) {
			continue
		}
		runnable = append(runnable, cmd)
	}
	result.Commands = len(runnable)

	var mu sync.Mutex
	var cg errgroup.Group
	cg.SetLimit(e.maxParallel)
	for _, cmd := range runnable {
		cmd := cmd
		cg.Go(func() error {
			err := e.run(ctx, cmd)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				e.log.Warn("command failed",
					zap.String("symbol", cmd.Position.Symbol),
					zap.String("command", string(cmd.Kind)),
					zap.Error(err),
				)
			case cmd.Kind == strategy.CommandReset:
				result.Reset++
			default:
				result.Closed++
			}
			return nil
		})
	}
	_ = cg.Wait()

	for _, p := range positions {
		if p.Status == position.StatusClosed {
			continue
		}
		result.Open = append(result.Open, p)
		if e.series != nil {
			e.series.EnqueuePosition(timescale.SnapshotFromPosition(p, live.FundingRates[p.Symbol], now))
		}
	}
	e.metrics.OpenPositions.Set(float64(len(result.Open)))
	e.saveSnapshot(ctx, state.CycleSnapshot{
		Action:        ActionManage,
		FundingRates:  len(rates),
		Commands:      result.Commands,
		OpenPositions: len(result.Open),
	})
	return result, nil
}

func (e *Engine) run(ctx context.Context, cmd strategy.Command) error {
	e.log.Info("risk command",
		zap.String("symbol", cmd.Position.Symbol),
		zap.String("command", string(cmd.Kind)),
		zap.String("reason", cmd.Reason),
	)
	if cmd.Kind == strategy.CommandReset {
		return e.coord.Reset(ctx, cmd.Position, cmd.Reason)
	}
	return e.coord.Close(ctx, cmd.Position, cmd.Reason)
}

// accrue books funding and earn income for the time since the last update
// at the currently observed rates, then saves p.
func (e *Engine) recordFunding(rates []market.FundingRate) {
	if e.series == nil {
		return
	}
	now := e.now().UTC()
	for _, rate := range rates {
		intervals := rate.IntervalsPerDay
		if intervals <= 0 {
			intervals = e.intervals
		}
		e.series.EnqueueFunding(timescale.FundingObservation{
			Time:        now,
			Symbol:      rate.Symbol,
			Rate:        rate.Rate.InexactFloat64(),
			NextRate:    rate.NextRate.InexactFloat64(),
			FundingAPR:  strategy.FundingAPR(rate.Rate, intervals).InexactFloat64(),
			FundingTime: rate.FundingTime,
		})
	}
}

// abandon records a failed cycle. Exchange outages are expected and only
// logged; anything else raises a Warn alert.
func (e *Engine) abandon(ctx context.Context, action string, err error) error {
	e.metrics.CycleErrors.Inc()
	e.saveSnapshot(ctx, state.CycleSnapshot{Action: action, Error: err.Error()})
	if errors.Is(err, market.ErrExchangeUnavailable) || errors.Is(err, context.Canceled) {
		e.log.Warn("cycle abandoned", zap.String("action", action), zap.Error(err))
	} else {
		e.notifier.Notify(ctx, alerts.Event{
			Level:  alerts.LevelWarn,
			Kind:   alerts.KindCycleFailed,
			Err:    err,
			Fields: map[string]string{"action": action},
		})
	}
	return fmt.Errorf("%s cycle: %w", action, err)
}

func (e *Engine) saveSnapshot(ctx context.Context, snap state.CycleSnapshot) {
	snap.UpdatedAtMS = e.now().UnixMilli()
	if err := state.SaveCycleSnapshot(ctx, e.kv, snap); err != nil {
		e.log.Debug("cycle snapshot not saved", zap.Error(err))
	}
}

func liveData(swaps []market.SwapPosition, rates []market.FundingRate) strategy.LiveData {
	live := strategy.LiveData{
		MarginRatios: make(map[string]decimal.Decimal, len(swaps)),
		FundingRates: make(map[string]market.FundingRate, len(rates)),
	}
	for _, sp := range swaps {
		if sp.HasMarginRatio {
			live.MarginRatios[sp.Symbol] = sp.MarginRatio
		}
	}
	for _, rate := range rates {
		live.FundingRates[rate.Symbol] = rate
	}
	return live
}

func countActive(positions []*position.Position) int {
	n := 0
	for _, p := range positions {
		if p.Status != position.StatusClosed {
			n++
		}
	}
	return n
}

var _ Coordinator = (*exec.Coordinator)(nil)
