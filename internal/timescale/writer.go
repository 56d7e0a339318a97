package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/position"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingObservation is one funding rate seen during a scan.
type FundingObservation struct {
	Time        time.Time
	Symbol      string
	Rate        float64
	NextRate    float64
	FundingAPR  float64
	FundingTime time.Time
}

// PositionSnapshot is the state of one hedge at the end of a manage cycle.
type PositionSnapshot struct {
	Time           time.Time
	Symbol         string
	Direction      string
	Status         string
	OpenTime       time.Time
	Amount         float64
	EntrySpotPrice float64
	EntrySwapPrice float64
	NotionalUSD    float64
	FundingRate    float64
	MarginRatio    float64
	HasMarginRatio bool
	NetFunding     float64
	EarnYield      float64
	TradeFees      float64
	ResetsCount    int
	Earning        string
}

// SnapshotFromPosition flattens p for the time-series store.
func SnapshotFromPosition(p *position.Position, rate market.FundingRate, now time.Time) PositionSnapshot {
	snap := PositionSnapshot{
		Time:           now.UTC(),
		Symbol:         p.Symbol,
		Direction:      string(p.Direction),
		Status:         string(p.Status),
		OpenTime:       p.OpenTimestamp,
		Amount:         p.PositionAmount.InexactFloat64(),
		EntrySpotPrice: p.EntrySpotPrice.InexactFloat64(),
		EntrySwapPrice: p.EntrySwapPrice.InexactFloat64(),
		NotionalUSD:    p.Notional().InexactFloat64(),
		FundingRate:    rate.Rate.InexactFloat64(),
		NetFunding:     p.NetFunding().InexactFloat64(),
		EarnYield:      p.TotalSpotEarningYield.InexactFloat64(),
		TradeFees:      p.TotalTradeFee.InexactFloat64(),
		ResetsCount:    p.ResetsCount,
		Earning:        string(p.SpotEarningStatus),
	}
	if p.MarginRatio != nil {
		snap.MarginRatio = p.MarginRatio.InexactFloat64()
		snap.HasMarginRatio = true
	}
	return snap
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	positions   chan PositionSnapshot
	funding     chan FundingObservation
	started     atomic.Bool
	dropPos     atomic.Uint64
	dropFunding atomic.Uint64
}

// New returns a nil writer when timescale is disabled. Every method is safe
// on a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan PositionSnapshot, queueSize),
		funding:   make(chan FundingObservation, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) EnqueueFunding(obs FundingObservation) {
	if w == nil {
		return
	}
	select {
	case w.funding <- obs:
	default:
		if w.dropFunding.Add(1) == 1 {
			w.log.Warn("timescale funding queue full")
		}
	}
}

// Dropped reports how many snapshots and observations were discarded.
func (w *Writer) Dropped() (positions, funding uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPos.Load(), w.dropFunding.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case obs := <-w.funding:
			w.writeFunding(ctx, obs)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		next_rate DOUBLE PRECISION NOT NULL,
		funding_apr DOUBLE PRECISION NOT NULL,
		funding_time TIMESTAMPTZ,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		open_ts TIMESTAMPTZ NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		entry_spot_price DOUBLE PRECISION NOT NULL,
		entry_swap_price DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		margin_ratio DOUBLE PRECISION NOT NULL,
		has_margin_ratio BOOLEAN NOT NULL,
		net_funding DOUBLE PRECISION NOT NULL,
		earn_yield DOUBLE PRECISION NOT NULL,
		trade_fees DOUBLE PRECISION NOT NULL,
		resets_count INTEGER NOT NULL,
		earning TEXT NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"funding_rates", "position_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, direction, status, open_ts, amount, entry_spot_price, entry_swap_price,
		notional_usd, funding_rate, margin_ratio, has_margin_ratio, net_funding, earn_yield,
		trade_fees, resets_count, earning
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Symbol,
		snap.Direction,
		snap.Status,
		snap.OpenTime,
		snap.Amount,
		snap.EntrySpotPrice,
		snap.EntrySwapPrice,
		snap.NotionalUSD,
		snap.FundingRate,
		snap.MarginRatio,
		snap.HasMarginRatio,
		snap.NetFunding,
		snap.EarnYield,
		snap.TradeFees,
		snap.ResetsCount,
		snap.Earning,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.String("symbol", snap.Symbol), zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, obs FundingObservation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var fundingTime any
	if !obs.FundingTime.IsZero() {
		fundingTime = obs.FundingTime
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, rate, next_rate, funding_apr, funding_time
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)
	ON CONFLICT (ts, symbol) DO UPDATE SET
		rate = EXCLUDED.rate,
		next_rate = EXCLUDED.next_rate,
		funding_apr = EXCLUDED.funding_apr,
		funding_time = EXCLUDED.funding_time`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.Symbol,
		obs.Rate,
		obs.NextRate,
		obs.FundingAPR,
		fundingTime,
	); err != nil {
		w.log.Warn("timescale funding upsert failed", zap.String("symbol", obs.Symbol), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
