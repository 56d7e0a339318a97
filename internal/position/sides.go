package position

import "okx-carry-bot/internal/market"

// OpenSides returns the taker side of each leg when entering the hedge.
func (d Direction) OpenSides() (spot, swap market.Side) {
	if d == LongSwapShortSpot {
		return market.SideSell, market.SideBuy
	}
	return market.SideBuy, market.SideSell
}

// CloseSides returns the taker side of each leg when unwinding the hedge.
func (d Direction) CloseSides() (spot, swap market.Side) {
	spot, swap = d.OpenSides()
	return spot.Opposite(), swap.Opposite()
}

// ReceivesFunding reports whether a funding rate with the given sign pays
// this direction. Shorts receive positive funding.
func (d Direction) ReceivesFunding(positive bool) bool {
	if d == ShortSwapLongSpot {
		return positive
	}
	return !positive
}

// DirectionForRate picks the direction that receives the given funding sign.
func DirectionForRate(positive bool) Direction {
	if positive {
		return ShortSwapLongSpot
	}
	return LongSwapShortSpot
}
