package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	// ShortSwapLongSpot collects positive funding: short perpetual, long spot.
	ShortSwapLongSpot Direction = "ShortSwapLongSpot"
	// LongSwapShortSpot collects negative funding: long perpetual, short (borrowed) spot.
	LongSwapShortSpot Direction = "LongSwapShortSpot"
)

func (d Direction) Valid() bool {
	return d == ShortSwapLongSpot || d == LongSwapShortSpot
}

type Status string

const (
	StatusOpen      Status = "Open"
	StatusClosed    Status = "Closed"
	StatusResetting Status = "Resetting"
	StatusRedeeming Status = "Redeeming"
)

// Transient reports whether the status must resolve to Open or Closed.
func (s Status) Transient() bool {
	return s == StatusResetting || s == StatusRedeeming
}

type EarningStatus string

const (
	EarningNone       EarningStatus = "None"
	EarningSubscribed EarningStatus = "Subscribed"
	EarningRedeemed   EarningStatus = "Redeemed"
)

var ErrNegativeAccrual = errors.New("accumulator delta must be >= 0")

type Position struct {
	Symbol    string
	Direction Direction

	Status              Status
	OpenTimestamp       time.Time
	CloseTimestamp      *time.Time
	LastUpdateTimestamp time.Time

	Leverage       decimal.Decimal
	PositionAmount decimal.Decimal
	EntrySpotPrice decimal.Decimal
	EntrySwapPrice decimal.Decimal
	ExitSpotPrice  *decimal.Decimal
	ExitSwapPrice  *decimal.Decimal

	SpotEarningStatus      EarningStatus
	InitialSpotEarningRate *decimal.Decimal
	TotalSpotEarningYield  decimal.Decimal

	MarginRatio        *decimal.Decimal
	InitialFundingRate decimal.Decimal
	// TotalFundingFee accumulates funding received, TotalFundingPaid funding
	// paid. Both only grow so the net can be derived without losing history.
	TotalFundingFee  decimal.Decimal
	TotalFundingPaid decimal.Decimal
	TotalTradeFee    decimal.Decimal
	// RealizedLegGain and RealizedLegLoss hold the price result of legs
	// already closed by resets. Like the funding pair they only grow.
	RealizedLegGain decimal.Decimal
	RealizedLegLoss decimal.Decimal
	ResetsCount     int
	PnlUSD          *decimal.Decimal
}

// Key identifies a persisted record.
type Key struct {
	Symbol        string
	OpenTimestamp time.Time
}

func (p *Position) Key() Key {
	return Key{Symbol: p.Symbol, OpenTimestamp: p.OpenTimestamp}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Symbol, k.OpenTimestamp.UnixMilli())
}

// Clone returns a deep copy so callers can mutate without aliasing pointers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.CloseTimestamp = cloneTime(p.CloseTimestamp)
	cp.ExitSpotPrice = cloneDecimal(p.ExitSpotPrice)
	cp.ExitSwapPrice = cloneDecimal(p.ExitSwapPrice)
	cp.InitialSpotEarningRate = cloneDecimal(p.InitialSpotEarningRate)
	cp.MarginRatio = cloneDecimal(p.MarginRatio)
	cp.PnlUSD = cloneDecimal(p.PnlUSD)
	return &cp
}

// Validate checks the record-level invariants before persisting.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return errors.New("position symbol is required")
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.OpenTimestamp.IsZero() {
		return errors.New("position open timestamp is required")
	}
	if p.Leverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("leverage %s must be >= 1", p.Leverage)
	}
	if !p.PositionAmount.IsPositive() {
		return fmt.Errorf("position amount %s must be > 0", p.PositionAmount)
	}
	if !p.EntrySpotPrice.IsPositive() || !p.EntrySwapPrice.IsPositive() {
		return errors.New("entry prices for both legs must be > 0")
	}
	if p.SpotEarningStatus == EarningSubscribed {
		if p.Direction != ShortSwapLongSpot {
			return errors.New("earn subscription requires ShortSwapLongSpot")
		}
		if p.Status != StatusOpen && p.Status != StatusRedeeming {
			return fmt.Errorf("earn subscription invalid in status %s", p.Status)
		}
	}
	if p.TotalSpotEarningYield.IsNegative() || p.TotalFundingFee.IsNegative() ||
		p.TotalFundingPaid.IsNegative() || p.TotalTradeFee.IsNegative() ||
		p.RealizedLegGain.IsNegative() || p.RealizedLegLoss.IsNegative() {
		return errors.New("accumulators must be >= 0")
	}
	if p.ResetsCount < 0 {
		return errors.New("resets count must be >= 0")
	}
	return nil
}

// Notional is the quote value of the spot leg at entry.
func (p *Position) Notional() decimal.Decimal {
	return p.PositionAmount.Mul(p.EntrySpotPrice)
}

func (p *Position) AccrueTradeFee(delta decimal.Decimal) error {
	if delta.IsNegative() {
		return ErrNegativeAccrual
	}
	p.TotalTradeFee = p.TotalTradeFee.Add(delta)
	return nil
}

func (p *Position) AccrueEarnYield(delta decimal.Decimal) error {
	if delta.IsNegative() {
		return ErrNegativeAccrual
	}
	p.TotalSpotEarningYield = p.TotalSpotEarningYield.Add(delta)
	return nil
}

// AccrueFunding books a signed funding payment. Income grows TotalFundingFee
// and cost grows TotalFundingPaid.
func (p *Position) AccrueFunding(payment decimal.Decimal) {
	if payment.IsNegative() {
		p.TotalFundingPaid = p.TotalFundingPaid.Add(payment.Abs())
		return
	}
	p.TotalFundingFee = p.TotalFundingFee.Add(payment)
}

func (p *Position) NetFunding() decimal.Decimal {
	return p.TotalFundingFee.Sub(p.TotalFundingPaid)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
