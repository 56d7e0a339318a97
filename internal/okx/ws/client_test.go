package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"okx-carry-bot/internal/market"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func swapSymbol(instID string) (string, bool) {
	base, ok := strings.CutSuffix(instID, "-USDT-SWAP")
	if !ok {
		return "", false
	}
	return base + "/USDT", true
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case msgCh <- string(data):
			default:
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	for {
		select {
		case msg := <-msgCh:
			if msg == "ping" {
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for ping")
		}
	}
}

func TestFundingFeedSubscribesAndCaches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req request
		_ = json.Unmarshal(data, &req)
		subCh <- req
		push := `{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0003","nextFundingRate":"0.0002","fundingTime":"1709280000000"}]}`
		_ = conn.Write(ctx, websocket.MessageText, []byte(push))
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	cache := market.NewFundingCache()
	client := New("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 0, zap.NewNop())
	feed := NewFundingFeed(client, cache, swapSymbol, 3, nil)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = feed.Run(runCtx, []string{"BTC-USDT-SWAP"}) }()

	select {
	case req := <-subCh:
		if req.Op != "subscribe" || len(req.Args) != 1 || req.Args[0].Channel != FundingChannel {
			t.Fatalf("unexpected subscribe: %+v", req)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscribe")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rate, ok := cache.Rate("BTC/USDT"); ok {
			if rate.Rate.String() != "0.0003" || rate.IntervalsPerDay != 3 || rate.FundingTime.UnixMilli() != 1709280000000 {
				t.Fatalf("unexpected cached rate: %+v", rate)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("funding rate never cached")
}

func TestFundingFeedIgnoresNoise(t *testing.T) {
	cache := market.NewFundingCache()
	feed := NewFundingFeed(New("ws://unused", 0, 0, nil), cache, swapSymbol, 3, nil)
	feed.Handle(json.RawMessage(`{"event":"subscribe","arg":{"channel":"funding-rate"}}`))
	feed.Handle(json.RawMessage(`{"event":"error","code":"60012","msg":"bad"}`))
	feed.Handle(json.RawMessage(`not json`))
	feed.Handle(json.RawMessage(`{"arg":{"channel":"funding-rate"},"data":[{"instId":"BTC-USD-SWAP","fundingRate":"0.1"}]}`))
	feed.Handle(json.RawMessage(`{"arg":{"channel":"funding-rate"},"data":[{"instId":"ETH-USDT-SWAP","fundingRate":"x"}]}`))
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
}
