package strategy

import (
	"errors"
	"fmt"

	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
)

var (
	ErrMaxOpenPositions  = errors.New("max open positions reached")
	ErrDuplicatePosition = errors.New("position already open for symbol and direction")
	ErrNegativeDisabled  = errors.New("negative rate strategy disabled")
	ErrZeroFunding       = errors.New("funding rate is zero")
	ErrBelowMinReturn    = errors.New("net apr below minimum")
	ErrNoEquity          = errors.New("account equity must be > 0")
)

// Decision is a go decision for one hedge. It is consumed once by the
// execution layer and never persisted.
type Decision struct {
	Symbol      string
	Direction   position.Direction
	Reason      string
	Leverage    decimal.Decimal
	Notional    decimal.Decimal
	Quantity    decimal.Decimal
	FundingRate decimal.Decimal

	SpotSide      market.Side
	SwapSide      market.Side
	SpotBestPrice decimal.Decimal
	SwapBestPrice decimal.Decimal
	SpotAvgPrice  decimal.Decimal
	SwapAvgPrice  decimal.Decimal
	SpotSlippage  decimal.Decimal
	SwapSlippage  decimal.Decimal

	FundingAPR   decimal.Decimal
	EarnAPR      decimal.Decimal
	TradeFeeCost decimal.Decimal
	SlippageCost decimal.Decimal
	BorrowCost   decimal.Decimal
	NetAPR       decimal.Decimal
}

// Rejection explains why no decision was produced. Evaluation-time
// rejections are recovered locally and never alerted.
type Rejection struct {
	Symbol string
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s rejected: %v", r.Symbol, r.Err)
	}
	return fmt.Sprintf("%s rejected: %s: %v", r.Symbol, r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func IsRejection(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej)
}

type CommandKind string

const (
	CommandReset CommandKind = "reset"
	CommandClose CommandKind = "close"
)

// Command is an instruction from the risk monitor to the execution layer.
type Command struct {
	Kind     CommandKind
	Position *position.Position
	Reason   string
}

// LiveData is the market view the risk monitor evaluates positions against.
type LiveData struct {
	MarginRatios map[string]decimal.Decimal
	FundingRates map[string]market.FundingRate
}
