package exchange

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account types for /asset/transfer.
const (
	accountFunding = "6"
	accountTrading = "18"
)

// minLendingRate is the floor OKX accepts for a savings purchase.
var minLendingRate = decimal.RequireFromString("0.01")

type lendingRateRow struct {
	Ccy     string `json:"ccy"`
	AvgRate string `json:"avgRate"`
	EstRate string `json:"estRate"`
}

// EarnRates returns the estimated simple-earn APR per currency, cached for a
// minute.
func (e *Exchange) EarnRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.earnMu.Lock()
	defer e.earnMu.Unlock()
	if e.earnRates != nil && time.Since(e.earnLoaded) < earnRatesTTL {
		return e.earnRates, nil
	}
	var rows []lendingRateRow
	if err := e.rest.Get(ctx, "/api/v5/finance/savings/lending-rate-summary", nil, true, &rows); err != nil {
		return nil, fmt.Errorf("earn rates: %w", err)
	}
	rates := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		raw := row.EstRate
		if raw == "" {
			raw = row.AvgRate
		}
		if rate := parseDecimal(raw); rate.IsPositive() {
			rates[row.Ccy] = rate
		}
	}
	e.earnRates = rates
	e.earnLoaded = time.Now()
	return rates, nil
}

// Subscribe moves amount to the funding account and lends it.
func (e *Exchange) Subscribe(ctx context.Context, ccy string, amount, rate decimal.Decimal) error {
	if err := e.transfer(ctx, ccy, amount, accountTrading, accountFunding); err != nil {
		return fmt.Errorf("%s earn transfer: %w", ccy, err)
	}
	if rate.LessThan(minLendingRate) {
		rate = minLendingRate
	}
	body := map[string]string{
		"ccy":  ccy,
		"amt":  amount.String(),
		"side": "purchase",
		"rate": rate.String(),
	}
	if err := e.rest.Post(ctx, "/api/v5/finance/savings/purchase-redempt", body, nil); err != nil {
		if backErr := e.transfer(ctx, ccy, amount, accountFunding, accountTrading); backErr != nil {
			e.log.Error("earn funds stranded in funding account", zap.String("ccy", ccy), zap.Error(backErr))
		}
		return fmt.Errorf("%s earn purchase: %w", ccy, err)
	}
	return nil
}

// Redeem requests redemption; completion is observed through Redeemed.
func (e *Exchange) Redeem(ctx context.Context, ccy string, amount decimal.Decimal) error {
	body := map[string]string{
		"ccy":  ccy,
		"amt":  amount.String(),
		"side": "redempt",
	}
	if err := e.rest.Post(ctx, "/api/v5/finance/savings/purchase-redempt", body, nil); err != nil {
		return fmt.Errorf("%s earn redeem: %w", ccy, err)
	}
	return nil
}

type savingsRow struct {
	Ccy string `json:"ccy"`
	Amt string `json:"amt"`
}

// Redeemed reports true once amount has left savings and been moved back to
// the trading account. A failed transfer reports false so polling continues.
func (e *Exchange) Redeemed(ctx context.Context, ccy string, amount decimal.Decimal) (bool, error) {
	var rows []savingsRow
	if err := e.rest.Get(ctx, "/api/v5/finance/savings/balance", url.Values{"ccy": {ccy}}, true, &rows); err != nil {
		return false, fmt.Errorf("%s savings balance: %w", ccy, err)
	}
	lent := decimal.Zero
	for _, row := range rows {
		if row.Ccy == ccy {
			lent = lent.Add(parseDecimal(row.Amt))
		}
	}
	if lent.GreaterThanOrEqual(amount) {
		return false, nil
	}
	if err := e.transfer(ctx, ccy, amount, accountFunding, accountTrading); err != nil {
		e.log.Debug("redeemed funds not yet transferable", zap.String("ccy", ccy), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (e *Exchange) transfer(ctx context.Context, ccy string, amount decimal.Decimal, from, to string) error {
	body := map[string]string{
		"ccy":  ccy,
		"amt":  amount.String(),
		"from": from,
		"to":   to,
		"type": "0",
	}
	return e.rest.Post(ctx, "/api/v5/asset/transfer", body, nil)
}
