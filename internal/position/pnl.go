package position

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrMissingExitPrices = errors.New("exit prices are required for pnl")

// PnL computes the realised USD result of a closed hedge: price legs of the
// current and every reset cycle plus net funding and earn yield, minus trade
// fees.
func PnL(p *Position) (decimal.Decimal, error) {
	legs, err := legsResult(p)
	if err != nil {
		return decimal.Zero, err
	}
	return legs.
		Add(p.RealizedLegGain).
		Sub(p.RealizedLegLoss).
		Add(p.NetFunding()).
		Add(p.TotalSpotEarningYield).
		Sub(p.TotalTradeFee), nil
}

// BookLegs moves the price result of the closed legs into the realised
// accumulators. A reset calls it before new entry prices replace the old.
func (p *Position) BookLegs() error {
	legs, err := legsResult(p)
	if err != nil {
		return err
	}
	if legs.IsNegative() {
		p.RealizedLegLoss = p.RealizedLegLoss.Add(legs.Abs())
	} else {
		p.RealizedLegGain = p.RealizedLegGain.Add(legs)
	}
	return nil
}

func legsResult(p *Position) (decimal.Decimal, error) {
	if p.ExitSpotPrice == nil || p.ExitSwapPrice == nil {
		return decimal.Zero, ErrMissingExitPrices
	}
	amount := p.PositionAmount
	spotMove := p.ExitSpotPrice.Sub(p.EntrySpotPrice).Mul(amount)
	swapMove := p.ExitSwapPrice.Sub(p.EntrySwapPrice).Mul(amount)
	switch p.Direction {
	case ShortSwapLongSpot:
		return spotMove.Sub(swapMove), nil
	case LongSwapShortSpot:
		return swapMove.Sub(spotMove), nil
	default:
		return decimal.Zero, errors.New("unknown direction")
	}
}
