package strategy

import (
	"fmt"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
)

// RiskMonitor turns live margin and funding data into reset/close commands.
type RiskMonitor struct {
	cfg             config.RiskConfig
	intervalsPerDay int
}

func NewRiskMonitor(cfg config.RiskConfig, intervalsPerDay int) *RiskMonitor {
	return &RiskMonitor{cfg: cfg, intervalsPerDay: intervalsPerDay}
}

// Scan emits at most one command per position. Only Open positions are
// considered and a margin reset wins over a funding close.
func (m *RiskMonitor) Scan(positions []*position.Position, live LiveData) []Command {
	resetThreshold := decimal.NewFromFloat(m.cfg.MarginResetThreshold)
	closeThreshold := decimal.NewFromFloat(m.cfg.ProfitCloseThreshold)
	var commands []Command
	for _, p := range positions {
		if p == nil || p.Status != position.StatusOpen {
			continue
		}
		if ratio, ok := live.MarginRatios[p.Symbol]; ok && ratio.LessThan(resetThreshold) {
			commands = append(commands, Command{
				Kind:     CommandReset,
				Position: p,
				Reason:   fmt.Sprintf("margin ratio %s below %s", ratio.StringFixed(4), resetThreshold),
			})
			continue
		}
		rate, ok := live.FundingRates[p.Symbol]
		if !ok || !fundingFlipped(p.InitialFundingRate, rate.Rate) {
			continue
		}
		carry := m.CarryAPR(p, rate.Rate, rate.IntervalsPerDay)
		if carry.LessThan(closeThreshold) {
			commands = append(commands, Command{
				Kind:     CommandClose,
				Position: p,
				Reason: fmt.Sprintf("funding flipped %s -> %s, carry %s below %s",
					p.InitialFundingRate, rate.Rate, pct(carry), pct(closeThreshold)),
			})
		}
	}
	return commands
}

// CarryAPR annualizes rate from the position's side: positive when the
// position receives funding, negative when it pays.
func (m *RiskMonitor) CarryAPR(p *position.Position, rate decimal.Decimal, intervalsPerDay int) decimal.Decimal {
	if intervalsPerDay <= 0 {
		intervalsPerDay = m.intervalsPerDay
	}
	apr := FundingAPR(rate, intervalsPerDay)
	if rate.IsZero() || p.Direction.ReceivesFunding(rate.IsPositive()) {
		return apr
	}
	return apr.Neg()
}

func fundingFlipped(initial, current decimal.Decimal) bool {
	if initial.IsZero() || current.IsZero() {
		return false
	}
	return initial.IsPositive() != current.IsPositive()
}
