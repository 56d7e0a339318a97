package strategy

import "github.com/shopspring/decimal"

const (
	daysPerYear = 365
	// DefaultFundingIntervalsPerDay matches the 8h funding schedule.
	DefaultFundingIntervalsPerDay = 3
)

var two = decimal.NewFromInt(2)

// NetAPR sums income terms and subtracts cost terms. Negative results are
// valid and mean "do not open".
func NetAPR(fundingAPR, earnAPR, tradeFeePct, slippagePct, borrowCostPct decimal.Decimal) decimal.Decimal {
	return fundingAPR.
		Add(earnAPR).
		Sub(tradeFeePct).
		Sub(slippagePct).
		Sub(borrowCostPct)
}

// FundingAPR annualizes a periodic funding rate. The sign is dropped because
// the direction is chosen to receive funding.
func FundingAPR(rate decimal.Decimal, intervalsPerDay int) decimal.Decimal {
	if intervalsPerDay <= 0 {
		intervalsPerDay = DefaultFundingIntervalsPerDay
	}
	return rate.Abs().Mul(decimal.NewFromInt(int64(intervalsPerDay * daysPerYear)))
}

// RoundTripCost doubles a one-way cost to cover entry and exit.
func RoundTripCost(oneWayPct decimal.Decimal) decimal.Decimal {
	return oneWayPct.Mul(two)
}

// ResetCost is a full close plus reopen.
func ResetCost(tradeFeePct, slippagePct decimal.Decimal) decimal.Decimal {
	return RoundTripCost(tradeFeePct.Add(slippagePct))
}
