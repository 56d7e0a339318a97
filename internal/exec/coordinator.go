package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPartialFill       = errors.New("partial fill")
	ErrLegsFailed        = errors.New("both legs failed")
	ErrRedemptionTimeout = errors.New("earn redemption timed out")
	ErrHalted            = errors.New("position halted pending operator review")
	ErrPersist           = errors.New("persist position")
)

// PartialFillError reports a one-legged execution and the outcome of the
// best-effort unwind of the filled leg(s).
type PartialFillError struct {
	Symbol    string
	Filled    []market.Kind
	Unwound   bool
	UnwindErr error
	Cause     error
}

func (e *PartialFillError) Error() string {
	msg := fmt.Sprintf("%s: partial fill on %v, unwound=%t", e.Symbol, e.Filled, e.Unwound)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.UnwindErr != nil {
		msg += ": unwind: " + e.UnwindErr.Error()
	}
	return msg
}

func (e *PartialFillError) Is(target error) bool {
	return target == ErrPartialFill
}

func (e *PartialFillError) Unwrap() error {
	return e.Cause
}

// Venue is the trading and earn surface the coordinator drives.
type Venue interface {
	Trader
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	EarnRates(ctx context.Context) (map[string]decimal.Decimal, error)
	Subscribe(ctx context.Context, currency string, amount, rate decimal.Decimal) error
	Redeem(ctx context.Context, currency string, amount decimal.Decimal) error
	Redeemed(ctx context.Context, currency string, amount decimal.Decimal) (bool, error)
}

type CoordinatorConfig struct {
	Execution       config.ExecutionConfig
	MaxSlippage     decimal.Decimal
	SpotEarning     bool
	IntervalsPerDay int
}

const (
	haltsKey = "exec:halts"
	// failureTimeout bounds unwinds, alerts and halt writes that must finish
	// after the caller's context is gone.
	failureTimeout = 30 * time.Second
)

var (
	secondsPerDay  = decimal.NewFromInt(24 * 60 * 60)
	secondsPerYear = decimal.NewFromInt(365 * 24 * 60 * 60)
)

type Coordinator struct {
	cfg      CoordinatorConfig
	venue    Venue
	executor *Executor
	store    state.PositionStore
	kv       state.Store
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	mu sync.Mutex
	// halted maps haltKey to the reason. It is mirrored to kv so a restart
	// keeps the halt until an operator clears it.
	halted map[string]string
}

func NewCoordinator(cfg CoordinatorConfig, venue Venue, executor *Executor, store state.PositionStore, kv state.Store, notifier alerts.Notifier, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	if cfg.IntervalsPerDay <= 0 {
		cfg.IntervalsPerDay = strategy.DefaultFundingIntervalsPerDay
	}
	return &Coordinator{
		cfg:      cfg,
		venue:    venue,
		executor: executor,
		store:    store,
		kv:       kv,
		notifier: notifier,
		metrics:  metrics.OrNoop(m),
		log:      log,
		now:      time.Now,
		halted:   make(map[string]string),
	}
}

// haltKey scopes a halt to one direction of a symbol. An empty direction
// covers both.
func haltKey(symbol string, dir position.Direction) string {
	if dir == "" {
		return symbol
	}
	return symbol + " " + string(dir)
}

// LoadHalts restores halts saved by an earlier process.
func (c *Coordinator) LoadHalts(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	raw, ok, err := c.kv.Get(ctx, haltsKey)
	if err != nil || !ok {
		return err
	}
	saved := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return fmt.Errorf("decode halts: %w", err)
	}
	c.mu.Lock()
	for k, v := range saved {
		c.halted[k] = v
	}
	c.mu.Unlock()
	if len(saved) > 0 {
		c.log.Warn("halts restored", zap.Int("count", len(saved)))
	}
	return nil
}

// Halted reports whether automated actions on symbol and dir are suspended.
func (c *Coordinator) Halted(symbol string, dir position.Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.halted[haltKey(symbol, "")]; ok {
		return true
	}
	_, ok := c.halted[haltKey(symbol, dir)]
	return ok
}

// Halts returns a copy of the active halts keyed by "symbol" or
// "symbol direction".
func (c *Coordinator) Halts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.halted))
	for k, v := range c.halted {
		out[k] = v
	}
	return out
}

// ClearHalt lifts every halt on symbol. It reports whether one existed.
func (c *Coordinator) ClearHalt(ctx context.Context, symbol string) bool {
	c.mu.Lock()
	cleared := false
	for k := range c.halted {
		if k == symbol || strings.HasPrefix(k, symbol+" ") {
			delete(c.halted, k)
			cleared = true
		}
	}
	c.mu.Unlock()
	if cleared {
		c.persistHalts(ctx)
	}
	return cleared
}

// Halt suspends automated actions on symbol until ClearHalt. An empty dir
// halts both directions.
func (c *Coordinator) Halt(ctx context.Context, symbol string, dir position.Direction, reason string) {
	c.halt(ctx, symbol, dir, reason)
}

func (c *Coordinator) halt(ctx context.Context, symbol string, dir position.Direction, reason string) {
	c.mu.Lock()
	c.halted[haltKey(symbol, dir)] = reason
	c.mu.Unlock()
	c.log.Error("position halted", zap.String("symbol", symbol), zap.String("direction", string(dir)), zap.String("reason", reason))
	c.persistHalts(ctx)
}

func (c *Coordinator) persistHalts(ctx context.Context) {
	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(c.Halts())
	if err != nil {
		c.log.Error("encode halts", zap.Error(err))
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := c.kv.Set(ctx, haltsKey, string(raw)); err != nil {
		c.log.Error("halts not persisted", zap.Error(err))
	}
}

// detached keeps failure handling running after ctx is cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
}

// alert delivers failure events even when ctx is already cancelled.
func (c *Coordinator) alert(ctx context.Context, e alerts.Event) {
	ctx, cancel := detached(ctx)
	defer cancel()
	c.notifier.Notify(ctx, e)
}

// Open executes both legs of d and persists the resulting Open position.
func (c *Coordinator) Open(ctx context.Context, d strategy.Decision) (*position.Position, error) {
	if c.Halted(d.Symbol, d.Direction) {
		return nil, fmt.Errorf("%s: %w", d.Symbol, ErrHalted)
	}
	if err := c.venue.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		return nil, fmt.Errorf("%s set leverage: %w", d.Symbol, err)
	}
	spotOrder := Order{Symbol: d.Symbol, Kind: market.KindSpot, Side: d.SpotSide, Size: d.Quantity, Margin: marginSpot(d.Direction)}
	swapOrder := Order{Symbol: d.Symbol, Kind: market.KindSwap, Side: d.SwapSide, Size: d.Quantity}
	spot, swap := c.runLegs(ctx, spotOrder, swapOrder)
	spot.ref, swap.ref = d.SpotAvgPrice, d.SwapAvgPrice
	if err := c.settle(ctx, d.Symbol, d.Direction, spot, swap); err != nil {
		return nil, err
	}

	now := c.now().UTC().Truncate(time.Millisecond)
	p := &position.Position{
		Symbol:              d.Symbol,
		Direction:           d.Direction,
		Status:              position.StatusOpen,
		OpenTimestamp:       now,
		LastUpdateTimestamp: now,
		Leverage:            d.Leverage,
		PositionAmount:      decimal.Min(spot.state.FilledSize, swap.state.FilledSize),
		EntrySpotPrice:      spot.state.AvgPrice,
		EntrySwapPrice:      swap.state.AvgPrice,
		SpotEarningStatus:   position.EarningNone,
		InitialFundingRate:  d.FundingRate,
	}
	if err := p.AccrueTradeFee(legFees(spot, swap)); err != nil {
		return nil, err
	}
	if err := c.save(ctx, p, "open"); err != nil {
		return nil, err
	}
	c.metrics.PositionsOpened.Inc()

	if d.Direction == position.ShortSwapLongSpot && c.cfg.SpotEarning {
		c.subscribe(ctx, p, d.EarnAPR)
	}
	c.notifier.Notify(ctx, alerts.Event{
		Level:     alerts.LevelInfo,
		Kind:      alerts.KindOpened,
		Symbol:    p.Symbol,
		Direction: string(p.Direction),
		Fields: map[string]string{
			"amount":  p.PositionAmount.String(),
			"spot":    p.EntrySpotPrice.String(),
			"swap":    p.EntrySwapPrice.String(),
			"net_apr": d.NetAPR.StringFixed(4),
			"reason":  d.Reason,
		},
	})
	return p, nil
}

// Close redeems earn if needed, unwinds both legs and closes the record.
func (c *Coordinator) Close(ctx context.Context, p *position.Position, reason string) error {
	if err := c.unwind(ctx, p); err != nil {
		return err
	}
	return c.finalizeClose(ctx, p, reason)
}

// Reset closes both legs and reopens them at current books for the same
// quantity, restoring margin headroom.
func (c *Coordinator) Reset(ctx context.Context, p *position.Position, reason string) error {
	if err := c.unwind(ctx, p); err != nil {
		return err
	}
	spotSide, swapSide := p.Direction.OpenSides()
	spot, swap := c.runLegs(ctx,
		Order{Symbol: p.Symbol, Kind: market.KindSpot, Side: spotSide, Size: p.PositionAmount, Margin: marginSpot(p.Direction)},
		Order{Symbol: p.Symbol, Kind: market.KindSwap, Side: swapSide, Size: p.PositionAmount},
	)
	if err := c.settle(ctx, p.Symbol, p.Direction, spot, swap); err != nil {
		var partial *PartialFillError
		if errors.As(err, &partial) && !partial.Unwound {
			return err
		}
		// flat again: the old legs are already closed, so finish as a close
		c.log.Warn("reset reopen failed, closing", zap.String("symbol", p.Symbol), zap.Error(err))
		if closeErr := c.finalizeClose(ctx, p, "reset reopen failed"); closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}

	if err := p.AccrueTradeFee(legFees(spot, swap)); err != nil {
		return err
	}
	if err := p.BookLegs(); err != nil {
		return err
	}
	p.EntrySpotPrice = spot.state.AvgPrice
	p.EntrySwapPrice = swap.state.AvgPrice
	p.PositionAmount = decimal.Min(spot.state.FilledSize, swap.state.FilledSize)
	p.ExitSpotPrice = nil
	p.ExitSwapPrice = nil
	p.SpotEarningStatus = position.EarningNone
	if err := c.transition(ctx, p, position.StatusOpen); err != nil {
		return err
	}
	if err := c.save(ctx, p, "reset"); err != nil {
		return err
	}
	c.metrics.PositionsReset.Inc()
	if p.Direction == position.ShortSwapLongSpot && c.cfg.SpotEarning {
		rate := decimal.Zero
		if rates, err := c.venue.EarnRates(ctx); err == nil {
			rate = rates[market.BaseCurrency(p.Symbol)]
		} else if p.InitialSpotEarningRate != nil {
			rate = *p.InitialSpotEarningRate
		}
		c.subscribe(ctx, p, rate)
	}
	c.notifier.Notify(ctx, alerts.Event{
		Level:       alerts.LevelInfo,
		Kind:        alerts.KindReset,
		Symbol:      p.Symbol,
		Direction:   string(p.Direction),
		ResetsCount: p.ResetsCount,
		Fields: map[string]string{
			"reason": reason,
			"spot":   p.EntrySpotPrice.String(),
			"swap":   p.EntrySwapPrice.String(),
		},
	})
	return nil
}

// Resume drives a persisted transient position forward after a restart.
// A Resetting record is always completed as a close.
func (c *Coordinator) Resume(ctx context.Context, p *position.Position) error {
	if c.Halted(p.Symbol, p.Direction) {
		return fmt.Errorf("%s: %w", p.Symbol, ErrHalted)
	}
	switch p.Status {
	case position.StatusRedeeming:
		return c.Close(ctx, p, "resume redeeming")
	case position.StatusResetting:
		if p.ExitSpotPrice != nil && p.ExitSwapPrice != nil {
			return c.finalizeClose(ctx, p, "resume resetting")
		}
		return c.Close(ctx, p, "resume resetting")
	default:
		return nil
	}
}

// Accrue books funding and earn income for the time since p was last
// updated, refreshes its margin ratio and saves it. Funding is prorated from
// the live rate; earn uses the subscribed rate.
func (c *Coordinator) Accrue(ctx context.Context, p *position.Position, live strategy.LiveData, now time.Time) error {
	if c.Halted(p.Symbol, p.Direction) {
		return fmt.Errorf("%s: %w", p.Symbol, ErrHalted)
	}
	if ratio, ok := live.MarginRatios[p.Symbol]; ok {
		p.MarginRatio = position.DecimalPtr(ratio)
	}
	elapsed := now.Sub(p.LastUpdateTimestamp)
	if elapsed > 0 {
		seconds := decimal.NewFromFloat(elapsed.Seconds())
		notional := p.PositionAmount.Mul(p.EntrySwapPrice)
		if rate, ok := live.FundingRates[p.Symbol]; ok && !rate.Rate.IsZero() {
			intervals := rate.IntervalsPerDay
			if intervals <= 0 {
				intervals = c.cfg.IntervalsPerDay
			}
			payment := notional.Mul(rate.Rate.Abs()).Mul(decimal.NewFromInt(int64(intervals))).Mul(seconds).Div(secondsPerDay)
			if !p.Direction.ReceivesFunding(rate.Rate.IsPositive()) {
				payment = payment.Neg()
			}
			p.AccrueFunding(payment)
		}
		if p.SpotEarningStatus == position.EarningSubscribed && p.InitialSpotEarningRate != nil {
			yield := p.PositionAmount.Mul(p.EntrySpotPrice).Mul(*p.InitialSpotEarningRate).Mul(seconds).Div(secondsPerYear)
			if yield.IsPositive() {
				if err := p.AccrueEarnYield(yield); err != nil {
					return err
				}
			}
		}
	}
	p.LastUpdateTimestamp = now
	if err := c.store.Save(ctx, p); err != nil {
		return fmt.Errorf("%s accrual: %w", p.Symbol, err)
	}
	return nil
}

// unwind moves p to Resetting with both legs closed. Exit prices are
// recorded on p and saved so an interrupted reset can be finished later.
func (c *Coordinator) unwind(ctx context.Context, p *position.Position) error {
	if c.Halted(p.Symbol, p.Direction) {
		return fmt.Errorf("%s: %w", p.Symbol, ErrHalted)
	}
	if p.SpotEarningStatus == position.EarningSubscribed {
		if p.Status == position.StatusOpen {
			if err := c.transition(ctx, p, position.StatusRedeeming); err != nil {
				return err
			}
			if err := c.save(ctx, p, "redeeming"); err != nil {
				return err
			}
		}
		if err := c.redeem(ctx, p); err != nil {
			return err
		}
		p.SpotEarningStatus = position.EarningRedeemed
	}
	if p.Status != position.StatusResetting {
		if err := c.transition(ctx, p, position.StatusResetting); err != nil {
			return err
		}
		if err := c.save(ctx, p, "resetting"); err != nil {
			return err
		}
	}

	spotSide, swapSide := p.Direction.CloseSides()
	spot, swap := c.runLegs(ctx,
		Order{Symbol: p.Symbol, Kind: market.KindSpot, Side: spotSide, Size: p.PositionAmount, Margin: marginSpot(p.Direction)},
		Order{Symbol: p.Symbol, Kind: market.KindSwap, Side: swapSide, Size: p.PositionAmount, ReduceOnly: true},
	)
	if err := c.settle(ctx, p.Symbol, p.Direction, spot, swap); err != nil {
		return err
	}
	if err := p.AccrueTradeFee(legFees(spot, swap)); err != nil {
		return err
	}
	p.ExitSpotPrice = position.DecimalPtr(spot.state.AvgPrice)
	p.ExitSwapPrice = position.DecimalPtr(swap.state.AvgPrice)
	p.LastUpdateTimestamp = c.now().UTC()
	return c.save(ctx, p, "legs closed")
}

func (c *Coordinator) finalizeClose(ctx context.Context, p *position.Position, reason string) error {
	if err := c.transition(ctx, p, position.StatusClosed); err != nil {
		return err
	}
	pnl, err := position.PnL(p)
	if err != nil {
		c.log.Warn("pnl unavailable", zap.String("symbol", p.Symbol), zap.Error(err))
	} else {
		p.PnlUSD = &pnl
	}
	if err := c.save(ctx, p, "closed"); err != nil {
		return err
	}
	c.metrics.PositionsClosed.Inc()
	c.notifier.Notify(ctx, alerts.Event{
		Level:       alerts.LevelInfo,
		Kind:        alerts.KindClosed,
		Symbol:      p.Symbol,
		Direction:   string(p.Direction),
		PnL:         p.PnlUSD,
		ResetsCount: p.ResetsCount,
		Fields:      map[string]string{"reason": reason},
	})
	return nil
}

func (c *Coordinator) redeem(ctx context.Context, p *position.Position) error {
	ccy := market.BaseCurrency(p.Symbol)
	done, err := c.venue.Redeemed(ctx, ccy, p.PositionAmount)
	if err == nil && done {
		return nil
	}
	if err := c.venue.Redeem(ctx, ccy, p.PositionAmount); err != nil {
		c.alert(ctx, alerts.Event{
			Level:  alerts.LevelError,
			Kind:   alerts.KindRedeemFailed,
			Symbol: p.Symbol,
			Err:    err,
		})
		return fmt.Errorf("%s redeem: %w", p.Symbol, err)
	}
	return c.awaitRedemption(ctx, p, ccy)
}

// awaitRedemption polls against a monotonic deadline. On timeout the position
// stays Redeeming and is halted, so the Error alert fires once until an
// operator clears it. Cancellation also leaves it Redeeming.
func (c *Coordinator) awaitRedemption(ctx context.Context, p *position.Position, ccy string) error {
	timeout := c.cfg.Execution.RedeemTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	poll := c.cfg.Execution.RedeemPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		done, err := c.venue.Redeemed(ctx, ccy, p.PositionAmount)
		if err != nil {
			c.log.Debug("redemption status failed", zap.String("symbol", p.Symbol), zap.Error(err))
		} else if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			c.metrics.RedemptionTimeouts.Inc()
			err := fmt.Errorf("%s after %s: %w", p.Symbol, timeout, ErrRedemptionTimeout)
			c.halt(ctx, p.Symbol, p.Direction, err.Error())
			c.alert(ctx, alerts.Event{
				Level:     alerts.LevelError,
				Kind:      alerts.KindRedemptionTimeout,
				Symbol:    p.Symbol,
				Direction: string(p.Direction),
				Err:       err,
			})
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) subscribe(ctx context.Context, p *position.Position, rate decimal.Decimal) {
	ccy := market.BaseCurrency(p.Symbol)
	if err := c.venue.Subscribe(ctx, ccy, p.PositionAmount, rate); err != nil {
		c.log.Warn("earn subscription failed", zap.String("symbol", p.Symbol), zap.Error(err))
		c.notifier.Notify(ctx, alerts.Event{
			Level:  alerts.LevelWarn,
			Kind:   alerts.KindEarnFailed,
			Symbol: p.Symbol,
			Err:    err,
		})
		return
	}
	p.SpotEarningStatus = position.EarningSubscribed
	p.InitialSpotEarningRate = position.DecimalPtr(rate)
	if err := c.save(ctx, p, "earn subscribed"); err != nil {
		c.log.Warn("earn subscription not persisted", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

func (c *Coordinator) transition(ctx context.Context, p *position.Position, to position.Status) error {
	if err := position.Transition(p, to, c.now()); err != nil {
		c.halt(ctx, p.Symbol, p.Direction, err.Error())
		c.alert(ctx, alerts.Event{
			Level:     alerts.LevelError,
			Kind:      alerts.KindInvalidTransition,
			Symbol:    p.Symbol,
			Direction: string(p.Direction),
			Err:       err,
		})
		return err
	}
	return nil
}

func (c *Coordinator) save(ctx context.Context, p *position.Position, step string) error {
	if err := c.store.Save(ctx, p); err != nil {
		err = fmt.Errorf("%s %s: %w: %w", p.Symbol, step, ErrPersist, err)
		c.halt(ctx, p.Symbol, p.Direction, err.Error())
		c.alert(ctx, alerts.Event{
			Level:     alerts.LevelError,
			Kind:      alerts.KindPersistFailed,
			Symbol:    p.Symbol,
			Direction: string(p.Direction),
			Err:       err,
		})
		return err
	}
	return nil
}

type legResult struct {
	order Order
	state OrderState
	err   error
	// ref is the expected average price; zero skips the slippage check.
	ref decimal.Decimal
}

func (c *Coordinator) runLegs(ctx context.Context, spot, swap Order) (legResult, legResult) {
	results := [2]legResult{{order: spot}, {order: swap}}
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(r *legResult) {
			defer wg.Done()
			r.state, r.err = c.executor.Execute(ctx, r.order)
		}(&results[i])
	}
	wg.Wait()
	return results[0], results[1]
}

func (c *Coordinator) legOK(r legResult) error {
	if r.err != nil {
		return r.err
	}
	if r.state.Status != OrderFilled {
		return fmt.Errorf("%s %s leg ended %s: %w", r.order.Symbol, r.order.Kind, r.state.Status, ErrUnfilled)
	}
	if !r.ref.IsPositive() || !c.cfg.MaxSlippage.IsPositive() {
		return nil
	}
	worse := r.state.AvgPrice.Sub(r.ref).Div(r.ref)
	if r.order.Side == market.SideSell {
		worse = worse.Neg()
	}
	if worse.GreaterThan(c.cfg.MaxSlippage) {
		return fmt.Errorf("%s %s leg filled at %s vs %s: %w",
			r.order.Symbol, r.order.Kind, r.state.AvgPrice, r.ref, strategy.ErrSlippageExceeded)
	}
	return nil
}

// settle inspects both legs. Any exposure left by a failed pair is reversed
// with IOC orders; nothing is retried automatically after that. The reversal
// and its alert survive cancellation of ctx.
func (c *Coordinator) settle(ctx context.Context, symbol string, dir position.Direction, legs ...legResult) error {
	var failures []error
	for _, leg := range legs {
		if err := c.legOK(leg); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	cause := errors.Join(failures...)

	var exposed []legResult
	for _, leg := range legs {
		if leg.state.FilledSize.IsPositive() {
			exposed = append(exposed, leg)
		}
	}
	if len(exposed) == 0 {
		c.alert(ctx, alerts.Event{
			Level:     alerts.LevelWarn,
			Kind:      alerts.KindLegsFailed,
			Symbol:    symbol,
			Direction: string(dir),
			Err:       cause,
		})
		return fmt.Errorf("%s: %w: %w", symbol, ErrLegsFailed, cause)
	}

	uctx, cancel := detached(ctx)
	defer cancel()
	perr := &PartialFillError{Symbol: symbol, Cause: cause, Unwound: true}
	var unwindErrs []error
	for _, leg := range exposed {
		perr.Filled = append(perr.Filled, leg.order.Kind)
		reverse := Order{
			Symbol:     leg.order.Symbol,
			Kind:       leg.order.Kind,
			Side:       leg.order.Side.Opposite(),
			Size:       leg.state.FilledSize,
			ReduceOnly: leg.order.Kind == market.KindSwap && !leg.order.ReduceOnly,
			Margin:     leg.order.Margin,
		}
		st, err := c.executor.Execute(uctx, reverse)
		if err == nil && st.Status != OrderFilled {
			err = fmt.Errorf("unwind %s ended %s: %w", reverse.Kind, st.Status, ErrUnfilled)
		}
		if err != nil {
			unwindErrs = append(unwindErrs, err)
		}
	}
	sort.Slice(perr.Filled, func(i, j int) bool { return perr.Filled[i] < perr.Filled[j] })
	if len(unwindErrs) > 0 {
		perr.Unwound = false
		perr.UnwindErr = errors.Join(unwindErrs...)
		c.halt(ctx, symbol, dir, perr.Error())
	}
	c.metrics.PartialFills.Inc()
	c.alert(ctx, alerts.Event{
		Level:     alerts.LevelError,
		Kind:      alerts.KindPartialFill,
		Symbol:    symbol,
		Direction: string(dir),
		Err:       perr,
		Fields:    map[string]string{"unwound": fmt.Sprintf("%t", perr.Unwound)},
	})
	return perr
}

// marginSpot reports whether the spot leg of d is a borrowed short.
func marginSpot(d position.Direction) bool {
	return d == position.LongSwapShortSpot
}

func legFees(legs ...legResult) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		total = total.Add(leg.state.Fee.Abs())
	}
	return total
}
