package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/okx/rest"

	"github.com/shopspring/decimal"
)

// Codes returned by cancel-order when the order is already done.
var alreadyFinal = map[string]struct{}{
	"51400": {},
	"51401": {},
	"51402": {},
}

type orderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	TgtCcy     string `json:"tgtCcy,omitempty"`
	Ccy        string `json:"ccy,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceOrder sends an IOC market order. Spot orders are sized in base
// currency; swap sizes are converted to contracts and rounded down.
func (e *Exchange) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	inst, err := e.instrument(ctx, order.Symbol, order.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %w", exec.ErrOrderRejected, err)
	}
	size := inst.ToWire(order.Size)
	if !size.IsPositive() || (inst.MinSz.IsPositive() && size.LessThan(inst.MinSz)) {
		return "", fmt.Errorf("%s %s size %s below minimum %s: %w", order.Symbol, order.Kind, size, inst.MinSz, exec.ErrOrderRejected)
	}
	req := orderRequest{
		InstID:  inst.InstID,
		Side:    string(order.Side),
		Sz:      size.String(),
		ClOrdID: order.ClientOrderID,
	}
	switch order.Kind {
	case market.KindSwap:
		req.TdMode = "cross"
		req.OrdType = "optimal_limit_ioc"
		req.ReduceOnly = order.ReduceOnly
	default:
		req.TdMode = "cash"
		req.OrdType = "market"
		req.TgtCcy = "base_ccy"
		if order.Margin {
			req.TdMode = "cross"
			req.Ccy = market.QuoteCurrency(order.Symbol)
		}
	}
	var acks []orderAck
	err = e.rest.Post(ctx, "/api/v5/trade/order", req, &acks)
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return "", fmt.Errorf("%s %s: sCode %s %s: %w", order.Symbol, order.Kind, acks[0].SCode, acks[0].SMsg, exec.ErrOrderRejected)
	}
	if err != nil {
		var apiErr *rest.APIError
		if errors.As(err, &apiErr) && !errors.Is(err, market.ErrExchangeUnavailable) {
			return "", fmt.Errorf("%w: %w", exec.ErrOrderRejected, err)
		}
		return "", err
	}
	if len(acks) == 0 || acks[0].OrdID == "" {
		return "", errors.New("order ack without ordId")
	}
	return acks[0].OrdID, nil
}

type orderRow struct {
	OrdID     string `json:"ordId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
}

func (e *Exchange) OrderStatus(ctx context.Context, symbol string, kind market.Kind, orderID string) (exec.OrderState, error) {
	inst, err := e.instrument(ctx, symbol, kind)
	if err != nil {
		return exec.OrderState{}, err
	}
	var rows []orderRow
	query := url.Values{"instId": {inst.InstID}, "ordId": {orderID}}
	if err := e.rest.Get(ctx, "/api/v5/trade/order", query, true, &rows); err != nil {
		return exec.OrderState{}, fmt.Errorf("%s order %s: %w", symbol, orderID, err)
	}
	if len(rows) == 0 {
		return exec.OrderState{}, fmt.Errorf("%s order %s: not found", symbol, orderID)
	}
	return orderState(rows[0], inst), nil
}

func orderState(row orderRow, inst Instrument) exec.OrderState {
	st := exec.OrderState{
		OrderID:    row.OrdID,
		FilledSize: inst.ToBase(parseDecimal(row.AccFillSz)),
		AvgPrice:   parseDecimal(row.AvgPx),
	}
	switch row.State {
	case "filled":
		st.Status = exec.OrderFilled
	case "partially_filled":
		st.Status = exec.OrderPartiallyFilled
	case "canceled", "mmp_canceled":
		st.Status = exec.OrderCanceled
	default:
		st.Status = exec.OrderLive
	}
	fee := parseDecimal(row.Fee).Abs()
	// spot buys are charged in the base currency
	if row.FeeCcy != "" && !strings.EqualFold(row.FeeCcy, market.QuoteCurrency(inst.Symbol)) {
		fee = fee.Mul(st.AvgPrice)
	}
	st.Fee = fee
	return st
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, kind market.Kind, orderID string) error {
	body := map[string]string{"instId": e.instID(symbol, kind), "ordId": orderID}
	var acks []orderAck
	err := e.rest.Post(ctx, "/api/v5/trade/cancel-order", body, &acks)
	if len(acks) > 0 {
		if _, ok := alreadyFinal[acks[0].SCode]; ok {
			return nil
		}
	}
	return err
}

// SetLeverage sets cross leverage on the swap leg.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	body := map[string]string{
		"instId":  SwapInstID(symbol),
		"lever":   leverage.String(),
		"mgnMode": "cross",
	}
	if err := e.rest.Post(ctx, "/api/v5/account/set-leverage", body, nil); err != nil {
		return fmt.Errorf("%s set leverage %s: %w", symbol, leverage, err)
	}
	return nil
}
