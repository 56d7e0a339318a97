package strategy

import (
	"errors"
	"fmt"

	"okx-carry-bot/internal/market"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
)

// Fill is the simulated market-order result against one book side.
type Fill struct {
	BestPrice  decimal.Decimal
	AvgPrice   decimal.Decimal
	WorstPrice decimal.Decimal
	Quantity   decimal.Decimal
	Notional   decimal.Decimal
	Slippage   decimal.Decimal
	Levels     int
}

// AnalyzeLiquidity walks levels best price first, consuming quote notional
// until the target is met. The last touched level may be partially consumed.
func AnalyzeLiquidity(levels []market.Level, notional decimal.Decimal) (Fill, error) {
	if !notional.IsPositive() {
		return Fill{}, fmt.Errorf("target notional %s must be > 0", notional)
	}
	if len(levels) == 0 {
		return Fill{}, fmt.Errorf("empty book: %w", ErrInsufficientLiquidity)
	}
	best := levels[0].Price
	if !best.IsPositive() {
		return Fill{}, fmt.Errorf("invalid best price %s: %w", best, ErrInsufficientLiquidity)
	}
	remaining := notional
	cost := decimal.Zero
	qty := decimal.Zero
	worst := best
	used := 0
	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		if !level.Price.IsPositive() || !level.Size.IsPositive() {
			continue
		}
		used++
		worst = level.Price
		levelValue := level.Price.Mul(level.Size)
		if remaining.LessThanOrEqual(levelValue) {
			take := remaining.Div(level.Price)
			cost = cost.Add(take.Mul(level.Price))
			qty = qty.Add(take)
			remaining = decimal.Zero
			break
		}
		cost = cost.Add(levelValue)
		qty = qty.Add(level.Size)
		remaining = remaining.Sub(levelValue)
	}
	if remaining.IsPositive() || !qty.IsPositive() {
		return Fill{}, fmt.Errorf("book depth short by %s of %s: %w", remaining.StringFixed(2), notional.StringFixed(2), ErrInsufficientLiquidity)
	}
	avg := cost.Div(qty)
	return Fill{
		BestPrice:  best,
		AvgPrice:   avg,
		WorstPrice: worst,
		Quantity:   qty,
		Notional:   cost,
		Slippage:   Slippage(best, avg),
		Levels:     used,
	}, nil
}

// Slippage is the unsigned relative distance of avg from best.
func Slippage(best, avg decimal.Decimal) decimal.Decimal {
	if !best.IsPositive() {
		return decimal.Zero
	}
	return avg.Sub(best).Abs().Div(best)
}
