package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrOrderRejected marks a business rejection from the exchange. It is
	// never retried.
	ErrOrderRejected = errors.New("order rejected")
	ErrFillTimeout   = errors.New("order not terminal before fill timeout")
	ErrUnfilled      = errors.New("order ended unfilled")
)

// Order is an IOC market order. Size is in base currency for both legs.
// Margin routes a spot order through the margin account so the base can be
// borrowed for a short spot leg.
type Order struct {
	Symbol        string
	Kind          market.Kind
	Side          market.Side
	Size          decimal.Decimal
	ReduceOnly    bool
	Margin        bool
	ClientOrderID string
}

type OrderStatus string

const (
	OrderLive            OrderStatus = "live"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
)

// OrderState is the exchange view of an order. Fee is the quote-currency
// cost charged so far and is never negative.
type OrderState struct {
	OrderID    string
	Status     OrderStatus
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	Fee        decimal.Decimal
}

func (s OrderState) Terminal() bool {
	return s.Status == OrderFilled || s.Status == OrderCanceled
}

type Trader interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	OrderStatus(ctx context.Context, symbol string, kind market.Kind, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, symbol string, kind market.Kind, orderID string) error
}

type Executor struct {
	trader  Trader
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	attempts     int
	backoff      time.Duration
	fillTimeout  time.Duration
	pollInterval time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(trader Trader, store state.Store, cfg config.ExecutionConfig, m *metrics.Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	attempts := cfg.OrderAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Executor{
		trader:       trader,
		store:        store,
		log:          log,
		metrics:      metrics.OrNoop(m),
		attempts:     attempts,
		backoff:      backoff,
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.FillPollInterval,
		cache:        make(map[string]string),
	}
}

// NewClientOrderID returns a 32 character alphanumeric id accepted by OKX.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Execute places order and waits for a terminal state. A terminal state with
// nothing filled is reported as ErrUnfilled alongside the state.
func (e *Executor) Execute(ctx context.Context, order Order) (OrderState, error) {
	if order.ClientOrderID == "" {
		order.ClientOrderID = NewClientOrderID()
	}
	orderID, err := e.PlaceOrder(ctx, order)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return OrderState{}, fmt.Errorf("%s %s %s: %w", order.Symbol, order.Kind, order.Side, err)
	}
	e.metrics.OrdersPlaced.Inc()
	st, err := e.WaitFilled(ctx, order, orderID)
	if err != nil {
		return st, fmt.Errorf("%s %s %s: %w", order.Symbol, order.Kind, order.Side, err)
	}
	if !st.FilledSize.IsPositive() {
		return st, fmt.Errorf("%s %s %s: %w", order.Symbol, order.Kind, order.Side, ErrUnfilled)
	}
	return st, nil
}

func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) CancelOrder(ctx context.Context, symbol string, kind market.Kind, orderID string) error {
	return e.retry(ctx, func() error {
		return e.trader.CancelOrder(ctx, symbol, kind, orderID)
	})
}

// WaitFilled polls until the order is terminal. On timeout the order is
// cancelled and its last known state returned with ErrFillTimeout.
func (e *Executor) WaitFilled(ctx context.Context, order Order, orderID string) (OrderState, error) {
	timeout := e.fillTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := e.pollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	var last OrderState
	for {
		st, err := e.trader.OrderStatus(ctx, order.Symbol, order.Kind, orderID)
		if err == nil {
			last = st
			if st.Terminal() {
				return st, nil
			}
		} else {
			e.log.Debug("order status failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return e.abandon(ctx, order, orderID, last), ctx.Err()
		case <-time.After(poll):
		}
	}
	if err := e.CancelOrder(ctx, order.Symbol, order.Kind, orderID); err != nil {
		e.log.Warn("cancel after fill timeout failed", zap.String("order_id", orderID), zap.Error(err))
	}
	if st, err := e.trader.OrderStatus(ctx, order.Symbol, order.Kind, orderID); err == nil {
		last = st
	}
	return last, ErrFillTimeout
}

// abandon cancels an order whose wait was cut short and returns its final
// known state, so fills that landed before the cancel are still reported.
func (e *Executor) abandon(ctx context.Context, order Order, orderID string, last OrderState) OrderState {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := e.CancelOrder(ctx, order.Symbol, order.Kind, orderID); err != nil {
		e.log.Warn("cancel after abandoned wait failed", zap.String("order_id", orderID), zap.Error(err))
	}
	if st, err := e.trader.OrderStatus(ctx, order.Symbol, order.Kind, orderID); err == nil {
		return st
	}
	return last
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.trader.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOrderRejected) {
			return err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
