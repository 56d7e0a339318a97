// Package paper is an in-memory exchange that fills IOC orders against
// synthetic books built from configured fixtures. It backs dry runs and the
// engine tests.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultLevels = 20

var (
	bps     = decimal.NewFromInt(10000)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

type book struct {
	price       decimal.Decimal
	fundingRate decimal.Decimal
	spread      decimal.Decimal
	levelSize   decimal.Decimal
	levels      int
	marginRatio decimal.Decimal
}

type swapLeg struct {
	size     decimal.Decimal
	avgPrice decimal.Decimal
	leverage decimal.Decimal
}

type Exchange struct {
	log             *zap.Logger
	intervalsPerDay int
	now             func() time.Time

	mu        sync.Mutex
	equity    decimal.Decimal
	takerFee  decimal.Decimal
	borrowAPR decimal.Decimal
	earnRates map[string]decimal.Decimal
	books     map[string]*book
	orders    map[string]exec.OrderState
	swaps     map[string]*swapLeg
	leverage  map[string]decimal.Decimal
	lent      map[string]decimal.Decimal
	redeeming map[string]decimal.Decimal
	settled   map[string]decimal.Decimal
	rejects   map[market.Kind]int
}

func New(cfg config.PaperConfig, intervalsPerDay int, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Exchange{
		log:             log,
		intervalsPerDay: intervalsPerDay,
		now:             time.Now,
		equity:          decimal.NewFromFloat(cfg.Equity),
		takerFee:        decimal.NewFromFloat(cfg.TakerFee),
		borrowAPR:       decimal.NewFromFloat(cfg.BorrowAPR),
		earnRates:       make(map[string]decimal.Decimal, len(cfg.EarnRates)),
		books:           make(map[string]*book, len(cfg.Markets)),
		orders:          make(map[string]exec.OrderState),
		swaps:           make(map[string]*swapLeg),
		leverage:        make(map[string]decimal.Decimal),
		lent:            make(map[string]decimal.Decimal),
		redeeming:       make(map[string]decimal.Decimal),
		settled:         make(map[string]decimal.Decimal),
		rejects:         make(map[market.Kind]int),
	}
	for ccy, rate := range cfg.EarnRates {
		e.earnRates[ccy] = decimal.NewFromFloat(rate)
	}
	for _, m := range cfg.Markets {
		levels := m.Levels
		if levels <= 0 {
			levels = defaultLevels
		}
		e.books[m.Symbol] = &book{
			price:       decimal.NewFromFloat(m.Price),
			fundingRate: decimal.NewFromFloat(m.FundingRate),
			spread:      decimal.NewFromFloat(m.SpreadBps).Div(bps),
			levelSize:   decimal.NewFromFloat(m.LevelSize),
			levels:      levels,
			marginRatio: decimal.NewFromFloat(m.MarginRatio),
		}
	}
	return e
}

// SetPrice moves the mid price of both books for symbol.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		b.price = price
	}
}

func (e *Exchange) SetFundingRate(symbol string, rate decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		b.fundingRate = rate
	}
}

// SetMarginRatio fixes the ratio reported for an open swap leg.
func (e *Exchange) SetMarginRatio(symbol string, ratio decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		b.marginRatio = ratio
	}
}

// RejectNext makes the next n orders of kind fail with ErrOrderRejected.
func (e *Exchange) RejectNext(kind market.Kind, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects[kind] = n
}

func (e *Exchange) FundingRates(_ context.Context) ([]market.FundingRate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	out := make([]market.FundingRate, 0, len(e.books))
	for symbol, b := range e.books {
		out = append(out, market.FundingRate{
			Symbol:          symbol,
			Rate:            b.fundingRate,
			NextRate:        b.fundingRate,
			FundingTime:     now.Truncate(8 * time.Hour).Add(8 * time.Hour),
			IntervalsPerDay: e.intervalsPerDay,
			ObservedAt:      now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// OrderBook builds evenly spaced levels around the mid. Each level steps one
// spread further from the mid.
func (e *Exchange) OrderBook(_ context.Context, symbol string, kind market.Kind) (market.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return market.OrderBook{}, fmt.Errorf("paper %s: unknown market", symbol)
	}
	return b.snapshot(symbol, kind, e.now()), nil
}

func (b *book) snapshot(symbol string, kind market.Kind, now time.Time) market.OrderBook {
	ob := market.OrderBook{Symbol: symbol, Kind: kind, Timestamp: now.UTC()}
	half := b.spread.Div(two)
	for i := 0; i < b.levels; i++ {
		step := half.Add(b.spread.Mul(decimal.NewFromInt(int64(i))))
		ob.Asks = append(ob.Asks, market.Level{Price: b.price.Mul(decimal.NewFromInt(1).Add(step)), Size: b.levelSize})
		ob.Bids = append(ob.Bids, market.Level{Price: b.price.Mul(decimal.NewFromInt(1).Sub(step)), Size: b.levelSize})
	}
	return ob
}

func (e *Exchange) EarnRates(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.earnRates))
	for ccy, rate := range e.earnRates {
		out[ccy] = rate
	}
	return out, nil
}

func (e *Exchange) BorrowRate(_ context.Context, _ string) (decimal.Decimal, error) {
	return e.borrowAPR, nil
}

func (e *Exchange) TakerFee(_ context.Context, _ string, _ market.Kind) (decimal.Decimal, error) {
	return e.takerFee, nil
}

func (e *Exchange) AccountEquity(_ context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity, nil
}

func (e *Exchange) SwapPositions(_ context.Context) ([]market.SwapPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]market.SwapPosition, 0, len(e.swaps))
	for symbol, leg := range e.swaps {
		if leg.size.IsZero() {
			continue
		}
		sp := market.SwapPosition{
			Symbol:   symbol,
			Size:     leg.size,
			AvgPrice: leg.avgPrice,
			Leverage: leg.leverage,
		}
		if b, ok := e.books[symbol]; ok && b.marginRatio.IsPositive() {
			sp.MarginRatio = b.marginRatio
			sp.HasMarginRatio = true
		}
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PlaceOrder fills immediately against the synthetic book. Whatever the book
// cannot absorb is canceled, as an IOC order would be.
func (e *Exchange) PlaceOrder(_ context.Context, order exec.Order) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.rejects[order.Kind]; n > 0 {
		e.rejects[order.Kind] = n - 1
		return "", fmt.Errorf("paper %s %s: %w", order.Symbol, order.Kind, exec.ErrOrderRejected)
	}
	b, ok := e.books[order.Symbol]
	if !ok {
		return "", fmt.Errorf("paper %s: unknown market: %w", order.Symbol, exec.ErrOrderRejected)
	}
	if !order.Size.IsPositive() {
		return "", fmt.Errorf("paper %s: size %s: %w", order.Symbol, order.Size, exec.ErrOrderRejected)
	}
	size := order.Size
	leg := e.swaps[order.Symbol]
	if order.Kind == market.KindSwap && order.ReduceOnly {
		if leg == nil || leg.size.IsZero() || sameSign(leg.size, order.Side) {
			return "", fmt.Errorf("paper %s: nothing to reduce: %w", order.Symbol, exec.ErrOrderRejected)
		}
		if size.GreaterThan(leg.size.Abs()) {
			size = leg.size.Abs()
		}
	}

	filled, notional := decimal.Zero, decimal.Zero
	for _, lvl := range b.snapshot(order.Symbol, order.Kind, e.now()).Levels(order.Side) {
		take := decimal.Min(lvl.Size, size.Sub(filled))
		if !take.IsPositive() {
			break
		}
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(lvl.Price))
	}

	id := uuid.NewString()
	st := exec.OrderState{OrderID: id, Status: exec.OrderFilled, FilledSize: filled}
	switch {
	case filled.IsZero():
		st.Status = exec.OrderCanceled
	case filled.LessThan(size):
		st.Status = exec.OrderCanceled
	}
	if filled.IsPositive() {
		st.AvgPrice = notional.Div(filled)
		st.Fee = notional.Mul(e.takerFee)
		e.equity = e.equity.Sub(st.Fee)
		if order.Kind == market.KindSwap {
			e.applySwapFill(order.Symbol, order.Side, filled, st.AvgPrice)
		}
	}
	e.orders[id] = st
	e.log.Debug("paper fill",
		zap.String("symbol", order.Symbol),
		zap.String("kind", string(order.Kind)),
		zap.String("side", string(order.Side)),
		zap.String("filled", filled.String()),
		zap.String("avg_price", st.AvgPrice.String()),
	)
	return id, nil
}

func sameSign(size decimal.Decimal, side market.Side) bool {
	return (size.IsPositive() && side == market.SideBuy) || (size.IsNegative() && side == market.SideSell)
}

func (e *Exchange) applySwapFill(symbol string, side market.Side, qty, price decimal.Decimal) {
	leg, ok := e.swaps[symbol]
	if !ok {
		leg = &swapLeg{leverage: e.leverage[symbol]}
		e.swaps[symbol] = leg
	}
	delta := qty
	if side == market.SideSell {
		delta = qty.Neg()
	}
	next := leg.size.Add(delta)
	switch {
	case next.IsZero():
		leg.avgPrice = decimal.Zero
	case leg.size.IsZero() || sameSign(leg.size, side):
		// adding to the leg: size-weighted entry
		leg.avgPrice = leg.avgPrice.Mul(leg.size.Abs()).Add(price.Mul(qty)).Div(next.Abs())
	}
	leg.size = next
}

func (e *Exchange) OrderStatus(_ context.Context, symbol string, _ market.Kind, orderID string) (exec.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.orders[orderID]
	if !ok {
		return exec.OrderState{}, fmt.Errorf("paper %s order %s: not found", symbol, orderID)
	}
	return st, nil
}

// CancelOrder is a no-op; paper orders are terminal on placement.
func (e *Exchange) CancelOrder(_ context.Context, _ string, _ market.Kind, _ string) error {
	return nil
}

func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leverage.LessThan(decimal.NewFromInt(1)) || leverage.GreaterThan(hundred) {
		return fmt.Errorf("paper %s leverage %s out of range", symbol, leverage)
	}
	e.leverage[symbol] = leverage
	if leg, ok := e.swaps[symbol]; ok {
		leg.leverage = leverage
	}
	return nil
}

func (e *Exchange) Subscribe(_ context.Context, ccy string, amount, _ decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !amount.IsPositive() {
		return fmt.Errorf("paper earn %s: amount %s must be positive", ccy, amount)
	}
	e.lent[ccy] = e.lent[ccy].Add(amount)
	return nil
}

// Redeem queues a redemption. Funds leave savings on the next Redeemed poll
// and are reported back on the poll after that.
func (e *Exchange) Redeem(_ context.Context, ccy string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lent[ccy].Sub(e.redeeming[ccy]).LessThan(amount) {
		return fmt.Errorf("paper earn %s: redeem %s exceeds lent %s", ccy, amount, e.lent[ccy])
	}
	e.redeeming[ccy] = e.redeeming[ccy].Add(amount)
	return nil
}

func (e *Exchange) Redeemed(_ context.Context, ccy string, amount decimal.Decimal) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pending := e.redeeming[ccy]; pending.IsPositive() {
		e.lent[ccy] = e.lent[ccy].Sub(pending)
		e.settled[ccy] = e.settled[ccy].Add(pending)
		delete(e.redeeming, ccy)
		return false, nil
	}
	if e.settled[ccy].LessThan(amount) {
		return false, nil
	}
	e.settled[ccy] = e.settled[ccy].Sub(amount)
	return true, nil
}

// Lent reports the amount currently subscribed for ccy.
func (e *Exchange) Lent(ccy string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lent[ccy]
}
