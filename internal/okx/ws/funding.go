package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"okx-carry-bot/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const FundingChannel = "funding-rate"

type push struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   Arg             `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type fundingData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingRate string `json:"nextFundingRate"`
	FundingTime     string `json:"fundingTime"`
}

// FundingFeed streams funding-rate pushes into a cache.
type FundingFeed struct {
	client          *Client
	cache           *market.FundingCache
	symbolFor       func(instID string) (string, bool)
	intervalsPerDay int
	log             *zap.Logger
}

// NewFundingFeed maps swap instrument ids to spot symbols with symbolFor;
// pushes for unknown instruments are ignored.
func NewFundingFeed(client *Client, cache *market.FundingCache, symbolFor func(string) (string, bool), intervalsPerDay int, log *zap.Logger) *FundingFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &FundingFeed{client: client, cache: cache, symbolFor: symbolFor, intervalsPerDay: intervalsPerDay, log: log}
}

// Run subscribes instIDs and blocks until ctx is done.
func (f *FundingFeed) Run(ctx context.Context, instIDs []string) error {
	args := make([]Arg, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, Arg{Channel: FundingChannel, InstID: id})
	}
	if err := f.client.Subscribe(ctx, args...); err != nil {
		f.log.Warn("funding subscribe failed", zap.Error(err))
	}
	return f.client.Run(ctx, f.Handle)
}

// Handle parses one message. It is exported for the feed tests.
func (f *FundingFeed) Handle(raw json.RawMessage) {
	var msg push
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.log.Debug("ws message ignored", zap.Error(err))
		return
	}
	if msg.Event == "error" {
		f.log.Warn("ws error event", zap.String("code", msg.Code), zap.String("msg", msg.Msg))
		return
	}
	if msg.Arg.Channel != FundingChannel || len(msg.Data) == 0 {
		return
	}
	var rows []fundingData
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		f.log.Debug("funding push ignored", zap.Error(err))
		return
	}
	for _, row := range rows {
		rate, ok := ParseFunding(row.InstID, row.FundingRate, row.NextFundingRate, row.FundingTime, f.symbolFor)
		if !ok {
			continue
		}
		rate.IntervalsPerDay = f.intervalsPerDay
		f.cache.Update(rate)
	}
}

// ParseFunding converts the wire fields shared by REST and websocket payloads.
func ParseFunding(instID, rate, next, fundingTime string, symbolFor func(string) (string, bool)) (market.FundingRate, bool) {
	symbol, ok := symbolFor(instID)
	if !ok {
		return market.FundingRate{}, false
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return market.FundingRate{}, false
	}
	out := market.FundingRate{Symbol: symbol, Rate: r}
	if n, err := decimal.NewFromString(next); err == nil {
		out.NextRate = n
	}
	if ms, err := strconv.ParseInt(fundingTime, 10, 64); err == nil && ms > 0 {
		out.FundingTime = time.UnixMilli(ms).UTC()
	}
	return out, true
}
