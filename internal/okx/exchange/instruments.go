package exchange

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"okx-carry-bot/internal/market"

	"github.com/shopspring/decimal"
)

// Instrument is the trading metadata the adapter needs to size orders.
// CtVal is 1 for spot; swap sizes are quoted in contracts of CtVal base.
type Instrument struct {
	InstID string
	Symbol string
	Kind   market.Kind
	CtVal  decimal.Decimal
	LotSz  decimal.Decimal
	MinSz  decimal.Decimal
}

// ToWire converts a base quantity to the instrument's order size, rounded
// down to the lot size.
func (i Instrument) ToWire(base decimal.Decimal) decimal.Decimal {
	size := base
	if i.CtVal.IsPositive() {
		size = base.Div(i.CtVal)
	}
	if i.LotSz.IsPositive() {
		size = size.Div(i.LotSz).Floor().Mul(i.LotSz)
	}
	return size
}

// ToBase converts an instrument size back to base quantity.
func (i Instrument) ToBase(size decimal.Decimal) decimal.Decimal {
	if i.CtVal.IsPositive() {
		return size.Mul(i.CtVal)
	}
	return size
}

type instrumentRow struct {
	InstID    string `json:"instId"`
	InstType  string `json:"instType"`
	CtVal     string `json:"ctVal"`
	CtType    string `json:"ctType"`
	SettleCcy string `json:"settleCcy"`
	QuoteCcy  string `json:"quoteCcy"`
	LotSz     string `json:"lotSz"`
	MinSz     string `json:"minSz"`
	State     string `json:"state"`
}

// SpotInstID maps BTC/USDT to BTC-USDT.
func SpotInstID(symbol string) string {
	return market.BaseCurrency(symbol) + "-" + market.QuoteCurrency(symbol)
}

// SwapInstID maps BTC/USDT to BTC-USDT-SWAP.
func SwapInstID(symbol string) string {
	return SpotInstID(symbol) + "-SWAP"
}

func (e *Exchange) instID(symbol string, kind market.Kind) string {
	if kind == market.KindSwap {
		return SwapInstID(symbol)
	}
	return SpotInstID(symbol)
}

// SymbolForSwap maps a linear swap id quoted in the configured currency back
// to its spot symbol.
func (e *Exchange) SymbolForSwap(instID string) (string, bool) {
	pair, ok := strings.CutSuffix(instID, "-SWAP")
	if !ok {
		return "", false
	}
	base, quote, ok := strings.Cut(pair, "-")
	if !ok || quote != e.quote {
		return "", false
	}
	return base + "/" + quote, true
}

// LoadInstruments refreshes spot and swap metadata.
func (e *Exchange) LoadInstruments(ctx context.Context) error {
	spot, err := e.fetchInstruments(ctx, "SPOT")
	if err != nil {
		return err
	}
	swap, err := e.fetchInstruments(ctx, "SWAP")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.spot, e.swap = spot, swap
	e.mu.Unlock()
	return nil
}

func (e *Exchange) fetchInstruments(ctx context.Context, instType string) (map[string]Instrument, error) {
	var rows []instrumentRow
	if err := e.rest.Get(ctx, "/api/v5/public/instruments", url.Values{"instType": {instType}}, false, &rows); err != nil {
		return nil, fmt.Errorf("instruments %s: %w", instType, err)
	}
	out := make(map[string]Instrument, len(rows))
	for _, row := range rows {
		if row.State != "" && row.State != "live" {
			continue
		}
		inst := Instrument{
			InstID: row.InstID,
			LotSz:  parseDecimal(row.LotSz),
			MinSz:  parseDecimal(row.MinSz),
		}
		switch instType {
		case "SWAP":
			if row.CtType != "linear" {
				continue
			}
			symbol, ok := e.SymbolForSwap(row.InstID)
			if !ok || row.SettleCcy != e.quote {
				continue
			}
			inst.Symbol = symbol
			inst.Kind = market.KindSwap
			inst.CtVal = parseDecimal(row.CtVal)
		default:
			base, quote, ok := strings.Cut(row.InstID, "-")
			if !ok || quote != e.quote {
				continue
			}
			inst.Symbol = base + "/" + quote
			inst.Kind = market.KindSpot
		}
		out[inst.Symbol] = inst
	}
	return out, nil
}

func (e *Exchange) instrument(ctx context.Context, symbol string, kind market.Kind) (Instrument, error) {
	e.mu.RLock()
	loaded := e.swap != nil
	inst, ok := e.lookup(symbol, kind)
	e.mu.RUnlock()
	if ok {
		return inst, nil
	}
	if !loaded {
		if err := e.LoadInstruments(ctx); err != nil {
			return Instrument{}, err
		}
		e.mu.RLock()
		inst, ok = e.lookup(symbol, kind)
		e.mu.RUnlock()
		if ok {
			return inst, nil
		}
	}
	return Instrument{}, fmt.Errorf("%s %s: unknown instrument", symbol, kind)
}

func (e *Exchange) lookup(symbol string, kind market.Kind) (Instrument, bool) {
	if kind == market.KindSwap {
		inst, ok := e.swap[symbol]
		return inst, ok
	}
	inst, ok := e.spot[symbol]
	return inst, ok
}

// SwapSymbols lists every tradable swap that also has a spot market.
func (e *Exchange) SwapSymbols(ctx context.Context) ([]string, error) {
	e.mu.RLock()
	loaded := e.swap != nil
	e.mu.RUnlock()
	if !loaded {
		if err := e.LoadInstruments(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.swap))
	for symbol := range e.swap {
		if _, ok := e.spot[symbol]; ok {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
