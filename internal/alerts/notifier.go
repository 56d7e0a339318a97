package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type Kind string

const (
	KindOpened            Kind = "opened"
	KindClosed            Kind = "closed"
	KindReset             Kind = "reset"
	KindPartialFill       Kind = "partial_fill"
	KindLegsFailed        Kind = "legs_failed"
	KindEarnFailed        Kind = "earn_failed"
	KindRedemptionTimeout Kind = "redemption_timeout"
	KindRedeemFailed      Kind = "redeem_failed"
	KindInvalidTransition Kind = "invalid_transition"
	KindPersistFailed     Kind = "persist_failed"
	KindCycleFailed       Kind = "cycle_failed"
)

type Event struct {
	Level       Level
	Kind        Kind
	Symbol      string
	Direction   string
	PnL         *decimal.Decimal
	ResetsCount int
	Err         error
	Fields      map[string]string
}

// Notifier is what trading components depend on. Delivery failures are
// logged by the implementation and never returned.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type Sink interface {
	Deliver(ctx context.Context, e Event, text string) error
}

type Dispatcher struct {
	sinks []Sink
	log   *zap.Logger
}

func NewDispatcher(log *zap.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{sinks: sinks, log: log}
}

func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	text := Format(e)
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, e, text); err != nil {
			d.log.Warn("alert delivery failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}
}

// Format renders an event as a short plain-text message.
func Format(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Level, e.Kind)
	if e.Symbol != "" {
		fmt.Fprintf(&b, " %s", e.Symbol)
	}
	if e.Direction != "" {
		fmt.Fprintf(&b, " %s", e.Direction)
	}
	if e.PnL != nil {
		fmt.Fprintf(&b, "\npnl: %s USD", e.PnL.StringFixed(2))
	}
	if e.ResetsCount > 0 {
		fmt.Fprintf(&b, "\nresets: %d", e.ResetsCount)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, e.Fields[k])
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", e.Err)
	}
	return b.String()
}

// LogSink writes every event to zap at the matching level.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("alerts")}
}

func (s *LogSink) Deliver(_ context.Context, e Event, _ string) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("symbol", e.Symbol),
	}
	if e.Direction != "" {
		fields = append(fields, zap.String("direction", e.Direction))
	}
	if e.PnL != nil {
		fields = append(fields, zap.String("pnl_usd", e.PnL.StringFixed(2)))
	}
	if e.ResetsCount > 0 {
		fields = append(fields, zap.Int("resets", e.ResetsCount))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	switch e.Level {
	case LevelError:
		s.log.Error("alert", fields...)
	case LevelWarn:
		s.log.Warn("alert", fields...)
	default:
		s.log.Info("alert", fields...)
	}
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
