package market

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrExchangeUnavailable marks transient exchange failures. The current
// cycle is abandoned and retried on the next scheduled invocation.
var ErrExchangeUnavailable = errors.New("exchange unavailable")

type Kind string

const (
	KindSpot Kind = "spot"
	KindSwap Kind = "swap"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds one L2 snapshot. Both sides are ordered best price first.
type OrderBook struct {
	Symbol    string
	Kind      Kind
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// Levels returns the side a taker order of the given side consumes.
func (b OrderBook) Levels(side Side) []Level {
	if side == SideBuy {
		return b.Asks
	}
	return b.Bids
}

func (b OrderBook) Best(side Side) (decimal.Decimal, bool) {
	levels := b.Levels(side)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].Price, true
}

type FundingRate struct {
	Symbol          string
	Rate            decimal.Decimal
	NextRate        decimal.Decimal
	FundingTime     time.Time
	IntervalsPerDay int
	ObservedAt      time.Time
}

type SwapPosition struct {
	Symbol         string
	Size           decimal.Decimal
	AvgPrice       decimal.Decimal
	MarginRatio    decimal.Decimal
	HasMarginRatio bool
	Leverage       decimal.Decimal
}

// BaseCurrency returns the base asset of a spot pair such as BTC/USDT.
func BaseCurrency(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return strings.ToUpper(strings.TrimSpace(base))
}

func QuoteCurrency(symbol string) string {
	_, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return ""
	}
	quote, _, _ = strings.Cut(quote, ":")
	return strings.ToUpper(strings.TrimSpace(quote))
}
