package timescale

import (
	"testing"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	"github.com/shopspring/decimal"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v %v", w, err)
	}
	// nil writers swallow everything
	w.EnqueuePosition(PositionSnapshot{})
	w.EnqueueFunding(FundingObservation{})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "", 1, nil)
	w.EnqueueFunding(FundingObservation{Symbol: "BTC/USDT"})
	w.EnqueueFunding(FundingObservation{Symbol: "ETH/USDT"})
	w.EnqueuePosition(PositionSnapshot{Symbol: "BTC/USDT"})
	pos, funding := w.Dropped()
	if pos != 0 || funding != 1 {
		t.Fatalf("expected 0/1 drops, got %d/%d", pos, funding)
	}
	if w.table("funding_rates") != "public.funding_rates" {
		t.Fatalf("unexpected table name %s", w.table("funding_rates"))
	}
}

func TestSnapshotFromPosition(t *testing.T) {
	open := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	p := &position.Position{
		Symbol:            "BTC/USDT",
		Direction:         position.ShortSwapLongSpot,
		Status:            position.StatusOpen,
		OpenTimestamp:     open,
		PositionAmount:    decimal.RequireFromString("0.5"),
		EntrySpotPrice:    decimal.NewFromInt(60000),
		EntrySwapPrice:    decimal.NewFromInt(60030),
		SpotEarningStatus: position.EarningSubscribed,
		TotalFundingFee:   decimal.NewFromInt(9),
		TotalFundingPaid:  decimal.NewFromInt(1),
		TotalTradeFee:     decimal.RequireFromString("4.5"),
		ResetsCount:       1,
		MarginRatio:       position.DecimalPtr(decimal.RequireFromString("0.3")),
	}
	rate := market.FundingRate{Symbol: "BTC/USDT", Rate: decimal.RequireFromString("0.0003")}
	snap := SnapshotFromPosition(p, rate, open.Add(time.Hour))

	if snap.NotionalUSD != 30000 || snap.NetFunding != 8 || snap.TradeFees != 4.5 {
		t.Fatalf("unexpected money fields: %+v", snap)
	}
	if !snap.HasMarginRatio || snap.MarginRatio != 0.3 {
		t.Fatalf("expected margin ratio 0.3, got %+v", snap)
	}
	if snap.Earning != string(position.EarningSubscribed) || snap.ResetsCount != 1 || snap.FundingRate != 0.0003 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
