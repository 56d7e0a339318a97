package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"okx-carry-bot/internal/market"

	"go.uber.org/zap"
)

func TestSignKnownVector(t *testing.T) {
	got := Sign("secret", "2024-03-01T08:00:00.000Z", "GET", "/api/v5/account/balance", "")
	if got != "d0jni+58GJb2SDwhkfct2WPF5numoH2Lls2oFgzFyVc=" {
		t.Fatalf("unexpected signature %q", got)
	}
	if Sign("secret", "2024-03-01T08:00:00.000Z", "POST", "/api/v5/account/balance", "") == got {
		t.Fatalf("method must be part of the prehash")
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2024, 3, 1, 8, 0, 0, 123_000_000, time.FixedZone("x", 3600)))
	if ts != "2024-03-01T07:00:00.123Z" {
		t.Fatalf("unexpected timestamp %s", ts)
	}
}

func TestPrivateRequestHeaders(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		if ts != Timestamp(fixed) {
			t.Errorf("unexpected timestamp header %q", ts)
		}
		want := Sign("s3cret", ts, r.Method, r.URL.RequestURI(), gotBody)
		if r.Header.Get("OK-ACCESS-SIGN") != want {
			t.Errorf("signature mismatch")
		}
		if r.Header.Get("OK-ACCESS-KEY") != "key" || r.Header.Get("OK-ACCESS-PASSPHRASE") != "pass" {
			t.Errorf("missing credentials headers")
		}
		if r.Header.Get("x-simulated-trading") != "1" {
			t.Errorf("expected simulated trading header")
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"42","sCode":"0"}]}`))
	}))
	defer server.Close()

	client := New(Options{
		BaseURL:     server.URL,
		Credentials: Credentials{APIKey: "key", Secret: "s3cret", Passphrase: "pass"},
		Simulated:   true,
	}, zap.NewNop())
	client.now = func() time.Time { return fixed }

	var out []struct {
		OrdID string `json:"ordId"`
	}
	if err := client.Post(context.Background(), "/api/v5/trade/order", map[string]string{"instId": "BTC-USDT"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(out) != 1 || out[0].OrdID != "42" {
		t.Fatalf("unexpected data: %+v", out)
	}
	if gotBody != `{"instId":"BTC-USDT"}` {
		t.Fatalf("unexpected body %s", gotBody)
	}
}

func TestPublicRequestIsUnsigned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("OK-ACCESS-SIGN") != "" {
			t.Errorf("public request should not be signed")
		}
		if r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":"0","data":[{"fundingRate":"0.0003"}]}`))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL}, nil)
	var out []map[string]string
	err := client.Get(context.Background(), "/api/v5/public/funding-rate", url.Values{"instId": {"BTC-USDT-SWAP"}}, false, &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out[0]["fundingRate"] != "0.0003" {
		t.Fatalf("unexpected data %+v", out)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		unavailable bool
		code        string
	}{
		{name: "rate limited code", status: 200, body: `{"code":"50011","msg":"Too Many Requests"}`, unavailable: true, code: "50011"},
		{name: "http 503", status: 503, body: `oops`, unavailable: true},
		{name: "business error", status: 200, body: `{"code":"51008","msg":"insufficient balance"}`, code: "51008"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()
			client := New(Options{BaseURL: server.URL}, nil)
			err := client.Get(context.Background(), "/api/v5/market/books", nil, false, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, market.ErrExchangeUnavailable) != tc.unavailable {
				t.Fatalf("unavailable=%t for %v", !tc.unavailable, err)
			}
			var apiErr *APIError
			if tc.code != "" && (!errors.As(err, &apiErr) || apiErr.Code != tc.code) {
				t.Fatalf("expected api error %s, got %v", tc.code, err)
			}
		})
	}
}

func TestPrivateRequestNeedsCredentials(t *testing.T) {
	client := New(Options{BaseURL: "http://127.0.0.1:1"}, nil)
	if err := client.Get(context.Background(), "/api/v5/account/balance", nil, true, nil); err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()
	client := New(Options{BaseURL: addr, Timeout: time.Second}, nil)
	err := client.Get(context.Background(), "/api/v5/public/time", nil, false, nil)
	if !errors.Is(err, market.ErrExchangeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
