// Package exchange adapts the OKX v5 REST and websocket APIs to the
// market-data, trading and earn ports used by the engine.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/okx/rest"
	"okx-carry-bot/internal/okx/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	earnRatesTTL     = time.Minute
	fundingFetchJobs = 5
)

type Exchange struct {
	rest            *rest.Client
	cache           *market.FundingCache
	log             *zap.Logger
	quote           string
	depth           int
	intervalsPerDay int
	cacheTTL        time.Duration
	symbols         []string

	mu   sync.RWMutex
	spot map[string]Instrument
	swap map[string]Instrument
	fees map[string]decimal.Decimal

	earnMu     sync.Mutex
	earnRates  map[string]decimal.Decimal
	earnLoaded time.Time
}

func New(client *rest.Client, cache *market.FundingCache, cfg config.ExchangeConfig, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = market.NewFundingCache()
	}
	return &Exchange{
		rest:            client,
		cache:           cache,
		log:             log,
		quote:           cfg.QuoteCurrency,
		depth:           cfg.OrderBookDepth,
		intervalsPerDay: cfg.FundingIntervalsPerDay,
		cacheTTL:        cfg.FundingCacheTTL,
		fees:            make(map[string]decimal.Decimal),
	}
}

// NewFromConfig builds the REST client from cfg.
func NewFromConfig(cfg config.ExchangeConfig, cache *market.FundingCache, log *zap.Logger) *Exchange {
	client := rest.New(rest.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Credentials: rest.Credentials{
			APIKey:     cfg.APIKey,
			Secret:     cfg.APISecret,
			Passphrase: cfg.Passphrase,
		},
		Simulated:  cfg.Sandbox,
		RatePerSec: cfg.RateLimitPerSecond,
		Burst:      cfg.RateLimitBurst,
	}, log)
	return New(client, cache, cfg, log)
}

// RestrictSymbols narrows REST funding fetches and the websocket feed to an
// allow-list. An empty list means every swap.
func (e *Exchange) RestrictSymbols(symbols []string) {
	e.symbols = append([]string(nil), symbols...)
}

// RunFundingFeed streams funding pushes into the cache until ctx is done.
func (e *Exchange) RunFundingFeed(ctx context.Context, client *ws.Client) error {
	symbols, err := e.candidateSymbols(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		ids = append(ids, SwapInstID(symbol))
	}
	feed := ws.NewFundingFeed(client, e.cache, e.SymbolForSwap, e.intervalsPerDay, e.log)
	return feed.Run(ctx, ids)
}

func (e *Exchange) candidateSymbols(ctx context.Context) ([]string, error) {
	if len(e.symbols) > 0 {
		return e.symbols, nil
	}
	return e.SwapSymbols(ctx)
}

type fundingRow struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingRate string `json:"nextFundingRate"`
	FundingTime     string `json:"fundingTime"`
}

// FundingRates serves the websocket cache while it is fresh, otherwise
// fetches every candidate over REST and refills the cache.
func (e *Exchange) FundingRates(ctx context.Context) ([]market.FundingRate, error) {
	if rates, ok := e.cache.Snapshot(e.cacheTTL); ok {
		return rates, nil
	}
	symbols, err := e.candidateSymbols(ctx)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make([]market.FundingRate, 0, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fundingFetchJobs)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			var rows []fundingRow
			err := e.rest.Get(gctx, "/api/v5/public/funding-rate", url.Values{"instId": {SwapInstID(symbol)}}, false, &rows)
			if err != nil {
				if errors.Is(err, market.ErrExchangeUnavailable) {
					return err
				}
				e.log.Debug("funding rate skipped", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			for _, row := range rows {
				rate, ok := ws.ParseFunding(row.InstID, row.FundingRate, row.NextFundingRate, row.FundingTime, e.SymbolForSwap)
				if !ok {
					continue
				}
				rate.IntervalsPerDay = e.intervalsPerDay
				e.cache.Update(rate)
				mu.Lock()
				out = append(out, rate)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("funding rates: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

type bookRow struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

// OrderBook returns depth levels with sizes converted to base currency.
func (e *Exchange) OrderBook(ctx context.Context, symbol string, kind market.Kind) (market.OrderBook, error) {
	inst, err := e.instrument(ctx, symbol, kind)
	if err != nil {
		return market.OrderBook{}, err
	}
	query := url.Values{"instId": {e.instID(symbol, kind)}, "sz": {strconv.Itoa(e.depth)}}
	var rows []bookRow
	if err := e.rest.Get(ctx, "/api/v5/market/books", query, false, &rows); err != nil {
		return market.OrderBook{}, fmt.Errorf("%s %s book: %w", symbol, kind, err)
	}
	book := market.OrderBook{Symbol: symbol, Kind: kind}
	if len(rows) == 0 {
		return book, nil
	}
	book.Asks = parseLevels(rows[0].Asks, inst)
	book.Bids = parseLevels(rows[0].Bids, inst)
	if ms, err := strconv.ParseInt(rows[0].Ts, 10, 64); err == nil {
		book.Timestamp = time.UnixMilli(ms).UTC()
	}
	return book, nil
}

func parseLevels(raw [][]string, inst Instrument) []market.Level {
	levels := make([]market.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			continue
		}
		levels = append(levels, market.Level{Price: price, Size: inst.ToBase(size)})
	}
	return levels
}

type feeRow struct {
	Taker  string `json:"taker"`
	TakerU string `json:"takerU"`
}

// TakerFee returns the positive taker rate for the account's tier. Rates are
// cached for the life of the process.
func (e *Exchange) TakerFee(ctx context.Context, symbol string, kind market.Kind) (decimal.Decimal, error) {
	key := string(kind) + ":" + symbol
	e.mu.RLock()
	fee, ok := e.fees[key]
	e.mu.RUnlock()
	if ok {
		return fee, nil
	}
	query := url.Values{"instType": {"SPOT"}, "instId": {SpotInstID(symbol)}}
	if kind == market.KindSwap {
		query = url.Values{"instType": {"SWAP"}, "instFamily": {SpotInstID(symbol)}}
	}
	var rows []feeRow
	if err := e.rest.Get(ctx, "/api/v5/account/trade-fee", query, true, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("%s %s fee: %w", symbol, kind, err)
	}
	if len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("%s %s fee: empty response", symbol, kind)
	}
	raw := rows[0].Taker
	if kind == market.KindSwap && rows[0].TakerU != "" {
		raw = rows[0].TakerU
	}
	fee, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %s fee %q: %w", symbol, kind, raw, err)
	}
	// OKX reports charges as negative rates
	fee = fee.Abs()
	e.mu.Lock()
	e.fees[key] = fee
	e.mu.Unlock()
	return fee, nil
}

type interestRow struct {
	Ccy          string `json:"ccy"`
	InterestRate string `json:"interestRate"`
}

// BorrowRate annualizes the hourly margin interest rate for ccy.
func (e *Exchange) BorrowRate(ctx context.Context, ccy string) (decimal.Decimal, error) {
	var rows []interestRow
	if err := e.rest.Get(ctx, "/api/v5/account/interest-rate", url.Values{"ccy": {ccy}}, true, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("%s borrow rate: %w", ccy, err)
	}
	for _, row := range rows {
		if row.Ccy != ccy {
			continue
		}
		hourly, err := decimal.NewFromString(row.InterestRate)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s borrow rate %q: %w", ccy, row.InterestRate, err)
		}
		return hourly.Mul(decimal.NewFromInt(24 * 365)), nil
	}
	return decimal.Zero, fmt.Errorf("%s borrow rate: not quoted", ccy)
}

type balanceRow struct {
	TotalEq string `json:"totalEq"`
}

// AccountEquity is the trading account's total equity in USD.
func (e *Exchange) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var rows []balanceRow
	if err := e.rest.Get(ctx, "/api/v5/account/balance", nil, true, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("account balance: %w", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, errors.New("account balance: empty response")
	}
	return parseDecimal(rows[0].TotalEq), nil
}

type positionRow struct {
	InstID      string `json:"instId"`
	Pos         string `json:"pos"`
	AvgPx       string `json:"avgPx"`
	Margin      string `json:"margin"`
	Imr         string `json:"imr"`
	Upl         string `json:"upl"`
	NotionalUsd string `json:"notionalUsd"`
	Lever       string `json:"lever"`
}

// SwapPositions reports open swap legs. MarginRatio is margin plus
// unrealized PnL over notional, so it falls as the leg loses.
func (e *Exchange) SwapPositions(ctx context.Context) ([]market.SwapPosition, error) {
	var rows []positionRow
	if err := e.rest.Get(ctx, "/api/v5/account/positions", url.Values{"instType": {"SWAP"}}, true, &rows); err != nil {
		return nil, fmt.Errorf("swap positions: %w", err)
	}
	out := make([]market.SwapPosition, 0, len(rows))
	for _, row := range rows {
		symbol, ok := e.SymbolForSwap(row.InstID)
		if !ok {
			continue
		}
		size := parseDecimal(row.Pos)
		if inst, err := e.instrument(ctx, symbol, market.KindSwap); err == nil {
			size = inst.ToBase(size)
		}
		sp := market.SwapPosition{
			Symbol:   symbol,
			Size:     size,
			AvgPrice: parseDecimal(row.AvgPx),
			Leverage: parseDecimal(row.Lever),
		}
		margin := parseDecimal(row.Margin)
		if margin.IsZero() {
			margin = parseDecimal(row.Imr)
		}
		notional := parseDecimal(row.NotionalUsd).Abs()
		if notional.IsPositive() && margin.IsPositive() {
			sp.MarginRatio = margin.Add(parseDecimal(row.Upl)).Div(notional)
			sp.HasMarginRatio = true
		}
		out = append(out, sp)
	}
	return out, nil
}
