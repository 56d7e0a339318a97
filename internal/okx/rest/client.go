package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"okx-carry-bot/internal/market"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// APIError is a non-zero OKX response code.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx code %s: %s", e.Code, e.Msg)
}

// Codes OKX uses for overload and maintenance. They are transient.
var unavailableCodes = map[string]struct{}{
	"50001": {}, // service temporarily unavailable
	"50004": {}, // endpoint request timeout
	"50011": {}, // rate limit reached
	"50013": {}, // system busy
	"50026": {}, // system error
}

type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials Credentials

	// Simulated adds the demo trading header.
	Simulated  bool
	RatePerSec float64
	Burst      int
}

type Client struct {
	baseURL   string
	http      *http.Client
	creds     Credentials
	simulated bool
	limiter   *rate.Limiter
	log       *zap.Logger
	now       func() time.Time
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.okx.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   opts.BaseURL,
		http:      &http.Client{Timeout: opts.Timeout},
		creds:     opts.Credentials,
		simulated: opts.Simulated,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log,
		now:       time.Now,
	}
}

// Get calls a GET endpoint and decodes the data array into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, private bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, requestPath, nil, private, out)
}

// Post calls a private POST endpoint.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, payload, true, out)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, requestPath string, payload []byte, private bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if private {
		if c.creds.APIKey == "" || c.creds.Secret == "" {
			return errors.New("okx credentials are required for private endpoints")
		}
		ts := Timestamp(c.now())
		req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", Sign(c.creds.Secret, ts, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %w", method, requestPath, market.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, requestPath, market.ErrExchangeUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: http %d: %w", method, requestPath, resp.StatusCode, market.ErrExchangeUnavailable)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s %s: http %d: %s", method, requestPath, resp.StatusCode, truncate(raw))
		}
		return fmt.Errorf("%s %s: decode: %w", method, requestPath, err)
	}
	if env.Code != "" && env.Code != "0" {
		apiErr := &APIError{Code: env.Code, Msg: env.Msg}
		if _, ok := unavailableCodes[env.Code]; ok {
			return fmt.Errorf("%s %s: %w: %w", method, requestPath, market.ErrExchangeUnavailable, apiErr)
		}
		// order endpoints report per-item sCode alongside code 1; callers
		// inspect the data for the detail.
		if out != nil && len(env.Data) > 0 && string(env.Data) != "[]" {
			if err := json.Unmarshal(env.Data, out); err == nil {
				return fmt.Errorf("%s %s: %w", method, requestPath, apiErr)
			}
		}
		return fmt.Errorf("%s %s: %w", method, requestPath, apiErr)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: http %d: %s", method, requestPath, resp.StatusCode, truncate(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, requestPath, err)
	}
	return nil
}

// Timestamp formats t the way OK-ACCESS-TIMESTAMP expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Sign returns base64(HMAC-SHA256(secret, ts+method+path+body)).
func Sign(secret, ts, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func truncate(raw []byte) string {
	if len(raw) > 512 {
		raw = raw[:512]
	}
	return string(raw)
}
