package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMarketData struct {
	books     map[string]map[market.Kind]market.OrderBook
	fee       decimal.Decimal
	earn      map[string]decimal.Decimal
	earnErr   error
	borrow    decimal.Decimal
	bookErr   error
	bookCalls int
}

func newFakeMarketData() *fakeMarketData {
	return &fakeMarketData{
		books: make(map[string]map[market.Kind]market.OrderBook),
		fee:   d("0.0005"),
		earn:  map[string]decimal.Decimal{"BTC": d("0.01"), "ETH": d("0.015")},
	}
}

func (f *fakeMarketData) setBooks(symbol string, spot, swap market.OrderBook) {
	spot.Symbol, spot.Kind = symbol, market.KindSpot
	swap.Symbol, swap.Kind = symbol, market.KindSwap
	f.books[symbol] = map[market.Kind]market.OrderBook{market.KindSpot: spot, market.KindSwap: swap}
}

func (f *fakeMarketData) setDeepBooks(symbol string) {
	deep := market.OrderBook{
		Bids: levels("100", "100", "99.9", "100"),
		Asks: levels("100", "100", "100.1", "100"),
	}
	f.setBooks(symbol, deep, deep)
}

func (f *fakeMarketData) OrderBook(_ context.Context, symbol string, kind market.Kind) (market.OrderBook, error) {
	f.bookCalls++
	if f.bookErr != nil {
		return market.OrderBook{}, f.bookErr
	}
	books, ok := f.books[symbol]
	if !ok {
		return market.OrderBook{Symbol: symbol, Kind: kind}, nil
	}
	return books[kind], nil
}

func (f *fakeMarketData) EarnRates(context.Context) (map[string]decimal.Decimal, error) {
	return f.earn, f.earnErr
}

func (f *fakeMarketData) BorrowRate(context.Context, string) (decimal.Decimal, error) {
	return f.borrow, nil
}

func (f *fakeMarketData) TakerFee(context.Context, string, market.Kind) (decimal.Decimal, error) {
	return f.fee, nil
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinAnnualizedReturn:  0.15,
		CapitalPerTradeRatio: 0.1,
		MaxOpenPositions:     5,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		Leverage:             3,
		MarginResetThreshold: 0.15,
		ProfitCloseThreshold: 0.05,
		MaxAllowedSlippage:   0.01,
	}
}

func newTestEvaluator(t *testing.T, cfg config.StrategyConfig, data MarketData) *Evaluator {
	t.Helper()
	return NewEvaluator(cfg, testRiskConfig(), 3, data, zaptest.NewLogger(t))
}

func funding(symbol, rate string) market.FundingRate {
	return market.FundingRate{Symbol: symbol, Rate: d(rate), IntervalsPerDay: 3}
}

func TestEvaluateOpensOnPositiveFunding(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	decision, err := ev.Evaluate(context.Background(), EvalInput{
		Funding: funding("BTC/USDT", "0.0003"),
		Equity:  d("10000"),
	})
	require.NoError(t, err)
	require.NotNil(t, decision)

	assert.Equal(t, position.ShortSwapLongSpot, decision.Direction)
	assert.Equal(t, market.SideBuy, decision.SpotSide)
	assert.Equal(t, market.SideSell, decision.SwapSide)
	assert.True(t, decision.Notional.Equal(d("1000")))
	assert.True(t, decision.Quantity.Equal(d("10")), "quantity %s", decision.Quantity)
	assert.True(t, decision.FundingAPR.Equal(d("0.3285")))
	assert.True(t, decision.EarnAPR.Equal(d("0.01")))
	assert.True(t, decision.TradeFeeCost.Equal(d("0.002")))
	assert.True(t, decision.NetAPR.Equal(d("0.3365")), "net %s", decision.NetAPR)
	assert.True(t, decision.Leverage.Equal(d("3")))
	assert.Contains(t, decision.Reason, "funding 32.8500%")
}

func TestEvaluateSkipsEarnWhenDisabled(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	cfg := testStrategyConfig()
	disabled := false
	cfg.EnableSpotEarning = &disabled
	ev := newTestEvaluator(t, cfg, data)

	decision, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000")})
	require.NoError(t, err)
	assert.True(t, decision.EarnAPR.IsZero())
	assert.True(t, decision.NetAPR.Equal(d("0.3265")), "net %s", decision.NetAPR)
}

func TestEvaluateEarnErrorIsNotFatal(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	data.earnErr = errors.New("earn endpoint down")
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	decision, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000")})
	require.NoError(t, err)
	assert.True(t, decision.EarnAPR.IsZero())
}

func TestEvaluateRejectsThinBook(t *testing.T) {
	data := newFakeMarketData()
	thin := market.OrderBook{
		Bids: levels("100", "1", "99.5", "1"),
		Asks: levels("100", "1", "100.5", "1"),
	}
	data.setBooks("BTC/USDT", thin, thin)
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	decision, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000")})
	assert.Nil(t, decision)
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))
}

func TestEvaluateRejectsSlippage(t *testing.T) {
	data := newFakeMarketData()
	steep := market.OrderBook{
		Bids: levels("100", "100"),
		Asks: levels("100", "5", "110", "100"),
	}
	data.setBooks("BTC/USDT", steep, steep)
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSlippageExceeded))
}

func TestEvaluateRejectsBelowMinimum(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0001"), Equity: d("10000")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinReturn))
}

func TestEvaluateNegativeFunding(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("ETH/USDT")
	data.borrow = d("0.05")

	ev := newTestEvaluator(t, testStrategyConfig(), data)
	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("ETH/USDT", "-0.0003"), Equity: d("10000")})
	assert.True(t, errors.Is(err, ErrNegativeDisabled))

	cfg := testStrategyConfig()
	cfg.EnableNegativeRateStrategy = true
	ev = newTestEvaluator(t, cfg, data)
	decision, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("ETH/USDT", "-0.0003"), Equity: d("10000")})
	require.NoError(t, err)
	assert.Equal(t, position.LongSwapShortSpot, decision.Direction)
	assert.Equal(t, market.SideSell, decision.SpotSide)
	assert.Equal(t, market.SideBuy, decision.SwapSide)
	assert.True(t, decision.EarnAPR.IsZero())
	assert.True(t, decision.BorrowCost.Equal(d("0.05")))
	assert.True(t, decision.NetAPR.Equal(d("0.2765")), "net %s", decision.NetAPR)
}

func TestEvaluateRejectsZeroFunding(t *testing.T) {
	ev := newTestEvaluator(t, testStrategyConfig(), newFakeMarketData())
	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0"), Equity: d("10000")})
	assert.True(t, errors.Is(err, ErrZeroFunding))
}

func TestEvaluateRejectsAtPositionLimit(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	cfg := testStrategyConfig()
	cfg.MaxOpenPositions = 2
	ev := newTestEvaluator(t, cfg, data)

	open := []*position.Position{
		{Symbol: "ETH/USDT", Direction: position.ShortSwapLongSpot, Status: position.StatusOpen},
		{Symbol: "SOL/USDT", Direction: position.ShortSwapLongSpot, Status: position.StatusRedeeming},
	}
	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000"), Open: open})
	assert.True(t, errors.Is(err, ErrMaxOpenPositions))
	assert.Zero(t, data.bookCalls, "limit should be checked before fetching books")

	open[1].Status = position.StatusClosed
	_, err = ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000"), Open: open})
	assert.NoError(t, err, "closed positions do not count")
}

func TestEvaluateRejectsDuplicate(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	open := []*position.Position{{Symbol: "BTC/USDT", Direction: position.ShortSwapLongSpot, Status: position.StatusOpen}}
	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000"), Open: open})
	assert.True(t, errors.Is(err, ErrDuplicatePosition))
}

func TestEvaluateRejectsNoEquity(t *testing.T) {
	ev := newTestEvaluator(t, testStrategyConfig(), newFakeMarketData())
	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("0")})
	assert.True(t, errors.Is(err, ErrNoEquity))
}

func TestEvaluateExchangeUnavailableIsNotRejection(t *testing.T) {
	data := newFakeMarketData()
	data.bookErr = fmt.Errorf("books: %w", market.ErrExchangeUnavailable)
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	_, err := ev.Evaluate(context.Background(), EvalInput{Funding: funding("BTC/USDT", "0.0003"), Equity: d("10000")})
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.True(t, errors.Is(err, market.ErrExchangeUnavailable))
}

func TestDecideIsDeterministic(t *testing.T) {
	ev := newTestEvaluator(t, testStrategyConfig(), newFakeMarketData())
	deep := market.OrderBook{
		Bids: levels("100", "3", "99.95", "100"),
		Asks: levels("100.05", "3", "100.1", "100"),
	}
	quotes := Quotes{SpotBook: deep, SwapBook: deep, SpotFee: d("0.001"), SwapFee: d("0.0005"), EarnAPR: d("0.02")}
	in := EvalInput{Funding: funding("BTC/USDT", "0.0004"), Equity: d("10000")}

	first, err := ev.Decide(in, quotes)
	require.NoError(t, err)
	second, err := ev.Decide(in, quotes)
	require.NoError(t, err)
	assert.Equal(t, first.Reason, second.Reason)
	assert.True(t, first.NetAPR.Equal(second.NetAPR))
	assert.True(t, first.Quantity.Equal(second.Quantity))
}

func TestFindOpportunitiesRespectsLimitAndOrder(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	data.setDeepBooks("ETH/USDT")
	data.setDeepBooks("SOL/USDT")
	cfg := testStrategyConfig()
	cfg.MaxOpenPositions = 3
	ev := newTestEvaluator(t, cfg, data)

	rates := []market.FundingRate{
		funding("SOL/USDT", "0.0002"),
		funding("BTC/USDT", "0.0005"),
		funding("ETH/USDT", "0.0001"),
		funding("XRP/USDT", "0.0009"),
	}
	open := []*position.Position{{Symbol: "ADA/USDT", Direction: position.ShortSwapLongSpot, Status: position.StatusOpen}}
	decisions, err := ev.FindOpportunities(context.Background(), rates, d("10000"), open)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "BTC/USDT", decisions[0].Symbol)
	assert.Equal(t, "SOL/USDT", decisions[1].Symbol)
	assert.True(t, decisions[0].NetAPR.GreaterThan(decisions[1].NetAPR))
}

func TestFindOpportunitiesAllowList(t *testing.T) {
	data := newFakeMarketData()
	data.setDeepBooks("BTC/USDT")
	data.setDeepBooks("ETH/USDT")
	cfg := testStrategyConfig()
	cfg.Symbols = []string{"ETH/USDT"}
	ev := newTestEvaluator(t, cfg, data)

	decisions, err := ev.FindOpportunities(context.Background(), []market.FundingRate{
		funding("BTC/USDT", "0.0005"),
		funding("ETH/USDT", "0.0005"),
	}, d("10000"), nil)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ETH/USDT", decisions[0].Symbol)
}

func TestFindOpportunitiesAbortsOnExchangeError(t *testing.T) {
	data := newFakeMarketData()
	data.bookErr = market.ErrExchangeUnavailable
	ev := newTestEvaluator(t, testStrategyConfig(), data)

	decisions, err := ev.FindOpportunities(context.Background(), []market.FundingRate{funding("BTC/USDT", "0.0005")}, d("10000"), nil)
	assert.Nil(t, decisions)
	assert.True(t, errors.Is(err, market.ErrExchangeUnavailable))
}
