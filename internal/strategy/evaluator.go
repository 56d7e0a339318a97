package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData is the read side of the exchange the evaluator prices against.
type MarketData interface {
	OrderBook(ctx context.Context, symbol string, kind market.Kind) (market.OrderBook, error)
	EarnRates(ctx context.Context) (map[string]decimal.Decimal, error)
	BorrowRate(ctx context.Context, currency string) (decimal.Decimal, error)
	TakerFee(ctx context.Context, symbol string, kind market.Kind) (decimal.Decimal, error)
}

// EvalInput is one candidate. Open is the persisted open-position snapshot
// read at decision time.
type EvalInput struct {
	Funding market.FundingRate
	Equity  decimal.Decimal
	Open    []*position.Position
}

// Quotes carries every market input a decision depends on.
type Quotes struct {
	SpotBook  market.OrderBook
	SwapBook  market.OrderBook
	SpotFee   decimal.Decimal
	SwapFee   decimal.Decimal
	EarnAPR   decimal.Decimal
	BorrowAPR decimal.Decimal
}

type Evaluator struct {
	strategy        config.StrategyConfig
	risk            config.RiskConfig
	intervalsPerDay int
	data            MarketData
	log             *zap.Logger
}

func NewEvaluator(strategy config.StrategyConfig, risk config.RiskConfig, intervalsPerDay int, data MarketData, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{
		strategy:        strategy,
		risk:            risk,
		intervalsPerDay: intervalsPerDay,
		data:            data,
		log:             log,
	}
}

// Evaluate fetches the books and rates for one funding rate and decides.
// A *Rejection error means "no opportunity"; any other error means the
// exchange could not be read and the scan should be abandoned.
func (e *Evaluator) Evaluate(ctx context.Context, in EvalInput) (*Decision, error) {
	direction, _, err := e.precheck(in)
	if err != nil {
		return nil, err
	}
	quotes, err := e.fetchQuotes(ctx, in.Funding.Symbol, direction)
	if err != nil {
		if errors.Is(err, market.ErrExchangeUnavailable) {
			return nil, err
		}
		return nil, &Rejection{Symbol: in.Funding.Symbol, Reason: "market data", Err: err}
	}
	return e.Decide(in, quotes)
}

// Decide is the pure part of Evaluate. Identical inputs give identical output.
func (e *Evaluator) Decide(in EvalInput, q Quotes) (*Decision, error) {
	symbol := in.Funding.Symbol
	direction, notional, err := e.precheck(in)
	if err != nil {
		return nil, err
	}
	spotSide, swapSide := direction.OpenSides()
	spotFill, err := AnalyzeLiquidity(q.SpotBook.Levels(spotSide), notional)
	if err != nil {
		return nil, &Rejection{Symbol: symbol, Reason: "spot leg", Err: err}
	}
	swapFill, err := AnalyzeLiquidity(q.SwapBook.Levels(swapSide), notional)
	if err != nil {
		return nil, &Rejection{Symbol: symbol, Reason: "swap leg", Err: err}
	}
	maxSlippage := decimal.NewFromFloat(e.risk.MaxAllowedSlippage)
	if spotFill.Slippage.GreaterThan(maxSlippage) || swapFill.Slippage.GreaterThan(maxSlippage) {
		reason := fmt.Sprintf("spot %s swap %s max %s", pct(spotFill.Slippage), pct(swapFill.Slippage), pct(maxSlippage))
		return nil, &Rejection{Symbol: symbol, Reason: reason, Err: ErrSlippageExceeded}
	}

	fundingAPR := FundingAPR(in.Funding.Rate, e.fundingIntervals(in.Funding))
	earnAPR := decimal.Zero
	if direction == position.ShortSwapLongSpot && e.strategy.SpotEarningEnabled() {
		earnAPR = q.EarnAPR
	}
	borrow := decimal.Zero
	if direction == position.LongSwapShortSpot {
		borrow = q.BorrowAPR
	}
	tradeFee := RoundTripCost(q.SpotFee.Add(q.SwapFee))
	slippage := RoundTripCost(spotFill.Slippage.Add(swapFill.Slippage))
	net := NetAPR(fundingAPR, earnAPR, tradeFee, slippage, borrow)

	minReturn := decimal.NewFromFloat(e.strategy.MinAnnualizedReturn)
	breakdown := fmt.Sprintf("funding %s + earn %s - fees %s - slippage %s - borrow %s",
		pct(fundingAPR), pct(earnAPR), pct(tradeFee), pct(slippage), pct(borrow))
	if !net.GreaterThan(minReturn) {
		reason := fmt.Sprintf("net %s <= min %s (%s)", pct(net), pct(minReturn), breakdown)
		return nil, &Rejection{Symbol: symbol, Reason: reason, Err: ErrBelowMinReturn}
	}

	quantity := decimal.Min(spotFill.Quantity, swapFill.Quantity)
	return &Decision{
		Symbol:        symbol,
		Direction:     direction,
		Reason:        fmt.Sprintf("net %s > min %s (%s)", pct(net), pct(minReturn), breakdown),
		Leverage:      decimal.NewFromFloat(e.risk.Leverage),
		Notional:      notional,
		Quantity:      quantity,
		FundingRate:   in.Funding.Rate,
		SpotSide:      spotSide,
		SwapSide:      swapSide,
		SpotBestPrice: spotFill.BestPrice,
		SwapBestPrice: swapFill.BestPrice,
		SpotAvgPrice:  spotFill.AvgPrice,
		SwapAvgPrice:  swapFill.AvgPrice,
		SpotSlippage:  spotFill.Slippage,
		SwapSlippage:  swapFill.Slippage,
		FundingAPR:    fundingAPR,
		EarnAPR:       earnAPR,
		TradeFeeCost:  tradeFee,
		SlippageCost:  slippage,
		BorrowCost:    borrow,
		NetAPR:        net,
	}, nil
}

// FindOpportunities evaluates every rate in order of absolute size. Accepted
// decisions count against the open-position limit of later candidates.
func (e *Evaluator) FindOpportunities(ctx context.Context, rates []market.FundingRate, equity decimal.Decimal, open []*position.Position) ([]Decision, error) {
	candidates := e.filterSymbols(rates)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Rate.Abs().GreaterThan(candidates[j].Rate.Abs())
	})
	pending := append([]*position.Position(nil), open...)
	var decisions []Decision
	for _, rate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision, err := e.Evaluate(ctx, EvalInput{Funding: rate, Equity: equity, Open: pending})
		if err != nil {
			if IsRejection(err) {
				e.log.Debug("opportunity rejected", zap.String("symbol", rate.Symbol), zap.Error(err))
				continue
			}
			return nil, err
		}
		e.log.Info("opportunity found",
			zap.String("symbol", decision.Symbol),
			zap.String("direction", string(decision.Direction)),
			zap.String("reason", decision.Reason),
		)
		decisions = append(decisions, *decision)
		pending = append(pending, &position.Position{
			Symbol:    decision.Symbol,
			Direction: decision.Direction,
			Status:    position.StatusOpen,
		})
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].NetAPR.GreaterThan(decisions[j].NetAPR)
	})
	return decisions, nil
}

func (e *Evaluator) precheck(in EvalInput) (position.Direction, decimal.Decimal, error) {
	symbol := in.Funding.Symbol
	if len(activePositions(in.Open)) >= e.strategy.MaxOpenPositions {
		return "", decimal.Zero, &Rejection{Symbol: symbol, Err: ErrMaxOpenPositions}
	}
	if in.Funding.Rate.IsZero() {
		return "", decimal.Zero, &Rejection{Symbol: symbol, Err: ErrZeroFunding}
	}
	positive := in.Funding.Rate.IsPositive()
	if !positive && !e.strategy.EnableNegativeRateStrategy {
		return "", decimal.Zero, &Rejection{Symbol: symbol, Err: ErrNegativeDisabled}
	}
	direction := position.DirectionForRate(positive)
	for _, p := range activePositions(in.Open) {
		if p.Symbol == symbol && p.Direction == direction {
			return "", decimal.Zero, &Rejection{Symbol: symbol, Reason: string(direction), Err: ErrDuplicatePosition}
		}
	}
	if !in.Equity.IsPositive() {
		return "", decimal.Zero, &Rejection{Symbol: symbol, Err: ErrNoEquity}
	}
	notional := in.Equity.Mul(decimal.NewFromFloat(e.strategy.CapitalPerTradeRatio))
	return direction, notional, nil
}

func (e *Evaluator) fetchQuotes(ctx context.Context, symbol string, direction position.Direction) (Quotes, error) {
	var q Quotes
	var err error
	if q.SpotBook, err = e.data.OrderBook(ctx, symbol, market.KindSpot); err != nil {
		return Quotes{}, fmt.Errorf("spot book: %w", err)
	}
	if q.SwapBook, err = e.data.OrderBook(ctx, symbol, market.KindSwap); err != nil {
		return Quotes{}, fmt.Errorf("swap book: %w", err)
	}
	if q.SpotFee, err = e.data.TakerFee(ctx, symbol, market.KindSpot); err != nil {
		return Quotes{}, fmt.Errorf("spot fee: %w", err)
	}
	if q.SwapFee, err = e.data.TakerFee(ctx, symbol, market.KindSwap); err != nil {
		return Quotes{}, fmt.Errorf("swap fee: %w", err)
	}
	base := market.BaseCurrency(symbol)
	switch direction {
	case position.ShortSwapLongSpot:
		if !e.strategy.SpotEarningEnabled() {
			break
		}
		rates, err := e.data.EarnRates(ctx)
		if err != nil {
			// earn is an optional enhancement; price without it
			e.log.Warn("earn rates unavailable", zap.String("symbol", symbol), zap.Error(err))
			break
		}
		q.EarnAPR = rates[base]
	case position.LongSwapShortSpot:
		if q.BorrowAPR, err = e.data.BorrowRate(ctx, base); err != nil {
			return Quotes{}, fmt.Errorf("borrow rate: %w", err)
		}
	}
	return q, nil
}

func (e *Evaluator) filterSymbols(rates []market.FundingRate) []market.FundingRate {
	if len(e.strategy.Symbols) == 0 {
		return append([]market.FundingRate(nil), rates...)
	}
	allowed := make(map[string]struct{}, len(e.strategy.Symbols))
	for _, symbol := range e.strategy.Symbols {
		allowed[symbol] = struct{}{}
	}
	out := make([]market.FundingRate, 0, len(rates))
	for _, rate := range rates {
		if _, ok := allowed[rate.Symbol]; ok {
			out = append(out, rate)
		}
	}
	return out
}

func (e *Evaluator) fundingIntervals(rate market.FundingRate) int {
	if rate.IntervalsPerDay > 0 {
		return rate.IntervalsPerDay
	}
	return e.intervalsPerDay
}

func activePositions(positions []*position.Position) []*position.Position {
	out := make([]*position.Position, 0, len(positions))
	for _, p := range positions {
		if p != nil && p.Status != position.StatusClosed {
			out = append(out, p)
		}
	}
	return out
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
}
