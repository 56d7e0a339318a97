package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/okx/rest"
	"okx-carry-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ exec.Venue          = (*Exchange)(nil)
	_ strategy.MarketData = (*Exchange)(nil)
)

type fakeOKX struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string]string
	posts  map[string][]map[string]any
	hits   map[string]int
}

func newFakeOKX(t *testing.T) *fakeOKX {
	return &fakeOKX{
		t: t,
		routes: map[string]string{
			"/api/v5/public/instruments?instType=SPOT": `[{"instId":"BTC-USDT","lotSz":"0.00000001","minSz":"0.00001","state":"live"},{"instId":"ETH-USDT","lotSz":"0.000001","minSz":"0.0001","state":"live"},{"instId":"BTC-USDC","lotSz":"0.00000001","state":"live"}]`,
			"/api/v5/public/instruments?instType=SWAP": `[{"instId":"BTC-USDT-SWAP","ctVal":"0.01","ctType":"linear","settleCcy":"USDT","lotSz":"1","minSz":"1","state":"live"},{"instId":"ETH-USDT-SWAP","ctVal":"0.1","ctType":"linear","settleCcy":"USDT","lotSz":"1","minSz":"1","state":"live"},{"instId":"BTC-USD-SWAP","ctVal":"100","ctType":"inverse","settleCcy":"BTC","lotSz":"1","state":"live"}]`,
		},
		posts: make(map[string][]map[string]any),
		hits:  make(map[string]int),
	}
}

func (f *fakeOKX) set(key, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[key] = data
}

func (f *fakeOKX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	f.hits[r.URL.Path]++
	if r.Method == http.MethodPost {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.posts[r.URL.Path] = append(f.posts[r.URL.Path], body)
		key = "POST " + r.URL.Path
	}
	data, ok := f.routes[key]
	if !ok {
		data, ok = f.routes[r.URL.Path]
	}
	if !ok {
		f.t.Errorf("unexpected request %s", key)
		_, _ = w.Write([]byte(`{"code":"51001","msg":"not routed","data":[]}`))
		return
	}
	if len(data) > 0 && data[0] == '{' {
		_, _ = w.Write([]byte(data))
		return
	}
	_, _ = w.Write([]byte(`{"code":"0","msg":"","data":` + data + `}`))
}

func newTestExchange(t *testing.T) (*Exchange, *fakeOKX) {
	t.Helper()
	fake := newFakeOKX(t)
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	client := rest.New(rest.Options{
		BaseURL:     server.URL,
		Credentials: rest.Credentials{APIKey: "k", Secret: "s", Passphrase: "p"},
	}, nil)
	cfg := config.ExchangeConfig{QuoteCurrency: "USDT", OrderBookDepth: 5, FundingIntervalsPerDay: 3, FundingCacheTTL: time.Minute}
	return New(client, market.NewFundingCache(), cfg, nil), fake
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSymbolMapping(t *testing.T) {
	ex, _ := newTestExchange(t)
	assert.Equal(t, "BTC-USDT", SpotInstID("BTC/USDT"))
	assert.Equal(t, "BTC-USDT-SWAP", SwapInstID("btc/usdt"))
	symbol, ok := ex.SymbolForSwap("ETH-USDT-SWAP")
	assert.True(t, ok)
	assert.Equal(t, "ETH/USDT", symbol)
	_, ok = ex.SymbolForSwap("BTC-USD-SWAP")
	assert.False(t, ok)
	_, ok = ex.SymbolForSwap("BTC-USDT")
	assert.False(t, ok)
}

func TestSwapSymbolsRequireSpotMarket(t *testing.T) {
	ex, _ := newTestExchange(t)
	symbols, err := ex.SwapSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, symbols)
}

func TestFundingRatesFromRESTFillCache(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/public/funding-rate?instId=BTC-USDT-SWAP", `[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0003","nextFundingRate":"0.0001","fundingTime":"1709280000000"}]`)
	fake.set("/api/v5/public/funding-rate?instId=ETH-USDT-SWAP", `[{"instId":"ETH-USDT-SWAP","fundingRate":"-0.0002","fundingTime":"1709280000000"}]`)

	rates, err := ex.FundingRates(context.Background())
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "BTC/USDT", rates[0].Symbol)
	assert.True(t, rates[0].Rate.Equal(d("0.0003")))
	assert.Equal(t, 3, rates[1].IntervalsPerDay)

	_, err = ex.FundingRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.hits["/api/v5/public/funding-rate"], "second call should be served from the cache")
}

func TestFundingRatesUnavailable(t *testing.T) {
	ex, fake := newTestExchange(t)
	ex.RestrictSymbols([]string{"BTC/USDT"})
	fake.set("/api/v5/public/funding-rate", `{"code":"50013","msg":"System is busy"}`)
	_, err := ex.FundingRates(context.Background())
	assert.True(t, errors.Is(err, market.ErrExchangeUnavailable))
}

func TestOrderBookConvertsContracts(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/market/books", `[{"asks":[["60010","5","0","2"],["60020","10","0","1"]],"bids":[["60000","3","0","1"]],"ts":"1709280000000"}]`)

	book, err := ex.OrderBook(context.Background(), "BTC/USDT", market.KindSwap)
	require.NoError(t, err)
	require.Len(t, book.Asks, 2)
	assert.True(t, book.Asks[0].Size.Equal(d("0.05")), "5 contracts of 0.01 BTC")
	assert.True(t, book.Bids[0].Price.Equal(d("60000")))

	spot, err := ex.OrderBook(context.Background(), "BTC/USDT", market.KindSpot)
	require.NoError(t, err)
	assert.True(t, spot.Asks[0].Size.Equal(d("5")))
}

func TestTakerFeeIsPositiveAndCached(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/account/trade-fee", `[{"taker":"-0.001","takerU":"-0.0005"}]`)
	fee, err := ex.TakerFee(context.Background(), "BTC/USDT", market.KindSwap)
	require.NoError(t, err)
	assert.True(t, fee.Equal(d("0.0005")))
	_, _ = ex.TakerFee(context.Background(), "BTC/USDT", market.KindSwap)
	assert.Equal(t, 1, fake.hits["/api/v5/account/trade-fee"])
}

func TestBorrowRateAnnualized(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/account/interest-rate", `[{"ccy":"BTC","interestRate":"0.00001"}]`)
	apr, err := ex.BorrowRate(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, apr.Equal(d("0.0876")), "apr %s", apr)
}

func TestSwapPositionsMarginRatio(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/account/positions", `[{"instId":"BTC-USDT-SWAP","pos":"-50","avgPx":"60000","margin":"","imr":"10000","upl":"-4000","notionalUsd":"30000","lever":"3"}]`)
	positions, err := ex.SwapPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "BTC/USDT", p.Symbol)
	assert.True(t, p.Size.Equal(d("-0.5")))
	assert.True(t, p.HasMarginRatio)
	assert.True(t, p.MarginRatio.Equal(d("0.2")), "ratio %s", p.MarginRatio)
}

func TestPlaceOrderWireFormat(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("POST /api/v5/trade/order", `[{"ordId":"777","clOrdId":"abc","sCode":"0"}]`)

	id, err := ex.PlaceOrder(context.Background(), exec.Order{
		Symbol: "BTC/USDT", Kind: market.KindSwap, Side: market.SideSell,
		Size: d("0.505"), ReduceOnly: true, ClientOrderID: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "777", id)
	body := fake.posts["/api/v5/trade/order"][0]
	assert.Equal(t, "BTC-USDT-SWAP", body["instId"])
	assert.Equal(t, "50", body["sz"], "0.505 BTC is 50 whole contracts")
	assert.Equal(t, "optimal_limit_ioc", body["ordType"])
	assert.Equal(t, true, body["reduceOnly"])

	_, err = ex.PlaceOrder(context.Background(), exec.Order{
		Symbol: "BTC/USDT", Kind: market.KindSpot, Side: market.SideSell, Size: d("0.5"), Margin: true,
	})
	require.NoError(t, err)
	body = fake.posts["/api/v5/trade/order"][1]
	assert.Equal(t, "cross", body["tdMode"])
	assert.Equal(t, "base_ccy", body["tgtCcy"])
	assert.Equal(t, "USDT", body["ccy"])
}

func TestPlaceOrderRejections(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("POST /api/v5/trade/order", `{"code":"1","msg":"All operations failed","data":[{"ordId":"","sCode":"51008","sMsg":"Insufficient balance"}]}`)
	_, err := ex.PlaceOrder(context.Background(), exec.Order{Symbol: "BTC/USDT", Kind: market.KindSpot, Side: market.SideBuy, Size: d("1")})
	assert.True(t, errors.Is(err, exec.ErrOrderRejected), "got %v", err)

	_, err = ex.PlaceOrder(context.Background(), exec.Order{Symbol: "ETH/USDT", Kind: market.KindSwap, Side: market.SideBuy, Size: d("0.05")})
	assert.True(t, errors.Is(err, exec.ErrOrderRejected), "below one contract, got %v", err)
}

func TestOrderStatusConvertsFeesAndSize(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/trade/order", `[{"ordId":"1","state":"filled","accFillSz":"0.5","avgPx":"60000","fee":"-0.0005","feeCcy":"BTC"}]`)
	st, err := ex.OrderStatus(context.Background(), "BTC/USDT", market.KindSpot, "1")
	require.NoError(t, err)
	assert.Equal(t, exec.OrderFilled, st.Status)
	assert.True(t, st.Fee.Equal(d("30")), "base fee priced in quote, got %s", st.Fee)

	fake.set("/api/v5/trade/order", `[{"ordId":"2","state":"canceled","accFillSz":"20","avgPx":"60000","fee":"-0.6","feeCcy":"USDT"}]`)
	st, err = ex.OrderStatus(context.Background(), "BTC/USDT", market.KindSwap, "2")
	require.NoError(t, err)
	assert.Equal(t, exec.OrderCanceled, st.Status)
	assert.True(t, st.FilledSize.Equal(d("0.2")))
	assert.True(t, st.Fee.Equal(d("0.6")))
}

func TestCancelAlreadyFilledIsNotAnError(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("POST /api/v5/trade/cancel-order", `{"code":"1","msg":"","data":[{"ordId":"1","sCode":"51402","sMsg":"Order already completed"}]}`)
	assert.NoError(t, ex.CancelOrder(context.Background(), "BTC/USDT", market.KindSpot, "1"))
}

func TestEarnSubscribeAndRedeem(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/finance/savings/lending-rate-summary", `[{"ccy":"BTC","avgRate":"0.008","estRate":"0.012"},{"ccy":"ETH","avgRate":"0.02"}]`)
	fake.set("POST /api/v5/asset/transfer", `[{"transId":"1"}]`)
	fake.set("POST /api/v5/finance/savings/purchase-redempt", `[{"ccy":"BTC"}]`)
	ctx := context.Background()

	rates, err := ex.EarnRates(ctx)
	require.NoError(t, err)
	assert.True(t, rates["BTC"].Equal(d("0.012")))
	assert.True(t, rates["ETH"].Equal(d("0.02")))

	require.NoError(t, ex.Subscribe(ctx, "BTC", d("0.5"), d("0.005")))
	purchase := fake.posts["/api/v5/finance/savings/purchase-redempt"][0]
	assert.Equal(t, "purchase", purchase["side"])
	assert.Equal(t, "0.01", purchase["rate"], "rate floored to the minimum")
	transfer := fake.posts["/api/v5/asset/transfer"][0]
	assert.Equal(t, accountTrading, transfer["from"])

	require.NoError(t, ex.Redeem(ctx, "BTC", d("0.5")))

	fake.set("/api/v5/finance/savings/balance", `[{"ccy":"BTC","amt":"0.5"}]`)
	done, err := ex.Redeemed(ctx, "BTC", d("0.5"))
	require.NoError(t, err)
	assert.False(t, done)

	fake.set("/api/v5/finance/savings/balance", `[]`)
	done, err = ex.Redeemed(ctx, "BTC", d("0.5"))
	require.NoError(t, err)
	assert.True(t, done)
	last := fake.posts["/api/v5/asset/transfer"][len(fake.posts["/api/v5/asset/transfer"])-1]
	assert.Equal(t, accountFunding, last["from"])
	assert.Equal(t, accountTrading, last["to"])
}

func TestAccountEquity(t *testing.T) {
	ex, fake := newTestExchange(t)
	fake.set("/api/v5/account/balance", `[{"totalEq":"10250.5"}]`)
	eq, err := ex.AccountEquity(context.Background())
	require.NoError(t, err)
	assert.True(t, eq.Equal(d("10250.5")))
}
