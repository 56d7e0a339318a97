package state

import (
	"fmt"
	"strings"
	"time"

	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
)

// positionColumns is the column order shared by Values and ScanTargets.
var positionColumns = []string{
	"symbol",
	"direction",
	"status",
	"open_ts",
	"close_ts",
	"last_update_ts",
	"leverage",
	"position_amount",
	"entry_spot_price",
	"entry_swap_price",
	"exit_spot_price",
	"exit_swap_price",
	"spot_earning_status",
	"initial_spot_earning_rate",
	"total_spot_earning_yield",
	"margin_ratio",
	"initial_funding_rate",
	"total_funding_fee",
	"total_funding_paid",
	"total_trade_fee",
	"realized_leg_gain",
	"realized_leg_loss",
	"resets_count",
	"pnl_usd",
}

// PositionColumns is the comma separated select list.
func PositionColumns() string {
	return strings.Join(positionColumns, ", ")
}

// UpsertPositionSQL builds the insert-or-update statement for a dialect.
// placeholder renders the i-th (1-based) bind parameter.
func UpsertPositionSQL(placeholder func(i int) string) string {
	binds := make([]string, len(positionColumns))
	updates := make([]string, 0, len(positionColumns))
	for i, col := range positionColumns {
		binds[i] = placeholder(i + 1)
		if col == "symbol" || col == "open_ts" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return fmt.Sprintf(
		"INSERT INTO positions (%s) VALUES (%s) ON CONFLICT (symbol, open_ts) DO UPDATE SET %s",
		PositionColumns(), strings.Join(binds, ", "), strings.Join(updates, ", "),
	)
}

// PositionRow is the storage form of a position: decimals as text and
// timestamps as unix milliseconds.
type PositionRow struct {
	Symbol                 string
	Direction              string
	Status                 string
	OpenTS                 int64
	CloseTS                *int64
	LastUpdateTS           int64
	Leverage               string
	PositionAmount         string
	EntrySpotPrice         string
	EntrySwapPrice         string
	ExitSpotPrice          *string
	ExitSwapPrice          *string
	SpotEarningStatus      string
	InitialSpotEarningRate *string
	TotalSpotEarningYield  string
	MarginRatio            *string
	InitialFundingRate     string
	TotalFundingFee        string
	TotalFundingPaid       string
	TotalTradeFee          string
	RealizedLegGain        string
	RealizedLegLoss        string
	ResetsCount            int
	PnlUSD                 *string
}

func EncodePosition(p *position.Position) PositionRow {
	row := PositionRow{
		Symbol:                 p.Symbol,
		Direction:              string(p.Direction),
		Status:                 string(p.Status),
		OpenTS:                 p.OpenTimestamp.UnixMilli(),
		LastUpdateTS:           p.LastUpdateTimestamp.UnixMilli(),
		Leverage:               p.Leverage.String(),
		PositionAmount:         p.PositionAmount.String(),
		EntrySpotPrice:         p.EntrySpotPrice.String(),
		EntrySwapPrice:         p.EntrySwapPrice.String(),
		ExitSpotPrice:          decimalText(p.ExitSpotPrice),
		ExitSwapPrice:          decimalText(p.ExitSwapPrice),
		SpotEarningStatus:      string(p.SpotEarningStatus),
		InitialSpotEarningRate: decimalText(p.InitialSpotEarningRate),
		TotalSpotEarningYield:  p.TotalSpotEarningYield.String(),
		MarginRatio:            decimalText(p.MarginRatio),
		InitialFundingRate:     p.InitialFundingRate.String(),
		TotalFundingFee:        p.TotalFundingFee.String(),
		TotalFundingPaid:       p.TotalFundingPaid.String(),
		TotalTradeFee:          p.TotalTradeFee.String(),
		RealizedLegGain:        p.RealizedLegGain.String(),
		RealizedLegLoss:        p.RealizedLegLoss.String(),
		ResetsCount:            p.ResetsCount,
		PnlUSD:                 decimalText(p.PnlUSD),
	}
	if p.CloseTimestamp != nil {
		ms := p.CloseTimestamp.UnixMilli()
		row.CloseTS = &ms
	}
	if row.SpotEarningStatus == "" {
		row.SpotEarningStatus = string(position.EarningNone)
	}
	return row
}

func (r *PositionRow) Values() []any {
	return []any{
		r.Symbol, r.Direction, r.Status, r.OpenTS, r.CloseTS, r.LastUpdateTS,
		r.Leverage, r.PositionAmount, r.EntrySpotPrice, r.EntrySwapPrice,
		r.ExitSpotPrice, r.ExitSwapPrice, r.SpotEarningStatus, r.InitialSpotEarningRate,
		r.TotalSpotEarningYield, r.MarginRatio, r.InitialFundingRate, r.TotalFundingFee,
		r.TotalFundingPaid, r.TotalTradeFee, r.RealizedLegGain, r.RealizedLegLoss,
		r.ResetsCount, r.PnlUSD,
	}
}

func (r *PositionRow) ScanTargets() []any {
	return []any{
		&r.Symbol, &r.Direction, &r.Status, &r.OpenTS, &r.CloseTS, &r.LastUpdateTS,
		&r.Leverage, &r.PositionAmount, &r.EntrySpotPrice, &r.EntrySwapPrice,
		&r.ExitSpotPrice, &r.ExitSwapPrice, &r.SpotEarningStatus, &r.InitialSpotEarningRate,
		&r.TotalSpotEarningYield, &r.MarginRatio, &r.InitialFundingRate, &r.TotalFundingFee,
		&r.TotalFundingPaid, &r.TotalTradeFee, &r.RealizedLegGain, &r.RealizedLegLoss,
		&r.ResetsCount, &r.PnlUSD,
	}
}

func (r *PositionRow) Decode() (*position.Position, error) {
	p := &position.Position{
		Symbol:              r.Symbol,
		Direction:           position.Direction(r.Direction),
		Status:              position.Status(r.Status),
		OpenTimestamp:       time.UnixMilli(r.OpenTS).UTC(),
		LastUpdateTimestamp: time.UnixMilli(r.LastUpdateTS).UTC(),
		SpotEarningStatus:   position.EarningStatus(r.SpotEarningStatus),
		ResetsCount:         r.ResetsCount,
	}
	if r.CloseTS != nil {
		ts := time.UnixMilli(*r.CloseTS).UTC()
		p.CloseTimestamp = &ts
	}
	d := decoder{symbol: r.Symbol}
	p.Leverage = d.required("leverage", r.Leverage)
	p.PositionAmount = d.required("position_amount", r.PositionAmount)
	p.EntrySpotPrice = d.required("entry_spot_price", r.EntrySpotPrice)
	p.EntrySwapPrice = d.required("entry_swap_price", r.EntrySwapPrice)
	p.ExitSpotPrice = d.optional("exit_spot_price", r.ExitSpotPrice)
	p.ExitSwapPrice = d.optional("exit_swap_price", r.ExitSwapPrice)
	p.InitialSpotEarningRate = d.optional("initial_spot_earning_rate", r.InitialSpotEarningRate)
	p.TotalSpotEarningYield = d.required("total_spot_earning_yield", r.TotalSpotEarningYield)
	p.MarginRatio = d.optional("margin_ratio", r.MarginRatio)
	p.InitialFundingRate = d.required("initial_funding_rate", r.InitialFundingRate)
	p.TotalFundingFee = d.required("total_funding_fee", r.TotalFundingFee)
	p.TotalFundingPaid = d.required("total_funding_paid", r.TotalFundingPaid)
	p.TotalTradeFee = d.required("total_trade_fee", r.TotalTradeFee)
	p.RealizedLegGain = d.required("realized_leg_gain", r.RealizedLegGain)
	p.RealizedLegLoss = d.required("realized_leg_loss", r.RealizedLegLoss)
	p.PnlUSD = d.optional("pnl_usd", r.PnlUSD)
	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}

type decoder struct {
	symbol string
	err    error
}

func (d *decoder) required(field, raw string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	if raw == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		d.err = fmt.Errorf("position %s: %s: %w", d.symbol, field, err)
		return decimal.Zero
	}
	return v
}

func (d *decoder) optional(field string, raw *string) *decimal.Decimal {
	if raw == nil {
		return nil
	}
	v := d.required(field, *raw)
	if d.err != nil {
		return nil
	}
	return &v
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
