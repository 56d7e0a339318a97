// Package postgres implements the state stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/state"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		open_ts BIGINT NOT NULL,
		close_ts BIGINT,
		last_update_ts BIGINT NOT NULL,
		leverage TEXT NOT NULL,
		position_amount TEXT NOT NULL,
		entry_spot_price TEXT NOT NULL,
		entry_swap_price TEXT NOT NULL,
		exit_spot_price TEXT,
		exit_swap_price TEXT,
		spot_earning_status TEXT NOT NULL,
		initial_spot_earning_rate TEXT,
		total_spot_earning_yield TEXT NOT NULL,
		margin_ratio TEXT,
		initial_funding_rate TEXT NOT NULL,
		total_funding_fee TEXT NOT NULL,
		total_funding_paid TEXT NOT NULL,
		total_trade_fee TEXT NOT NULL,
		realized_leg_gain TEXT NOT NULL DEFAULT '0',
		realized_leg_loss TEXT NOT NULL DEFAULT '0',
		resets_count INTEGER NOT NULL,
		pnl_usd TEXT,
		UNIQUE (symbol, open_ts)
	)`,
	`CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status)`,
	`ALTER TABLE positions ADD COLUMN IF NOT EXISTS realized_leg_gain TEXT NOT NULL DEFAULT '0'`,
	`ALTER TABLE positions ADD COLUMN IF NOT EXISTS realized_leg_loss TEXT NOT NULL DEFAULT '0'`,
}

// Store implements state.Store and state.PositionStore.
type Store struct {
	pool   *pgxpool.Pool
	upsert string
}

func New(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: schema: %w", err)
		}
	}
	return &Store{pool: pool, upsert: upsertSQL()}, nil
}

func upsertSQL() string {
	return state.UpsertPositionSQL(func(i int) string { return "$" + strconv.Itoa(i) })
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (s *Store) Save(ctx context.Context, p *position.Position) error {
	if p == nil {
		return errors.New("nil position")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("postgres: save %s: %w", p.Key(), err)
	}
	row := state.EncodePosition(p)
	if _, err := s.pool.Exec(ctx, s.upsert, row.Values()...); err != nil {
		return fmt.Errorf("postgres: save %s: %w", p.Key(), err)
	}
	return nil
}

func (s *Store) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	query := `SELECT ` + state.PositionColumns() + ` FROM positions WHERE status <> $1 ORDER BY open_ts, symbol`
	return s.query(ctx, query, string(position.StatusClosed))
}

func (s *Store) FindByStatus(ctx context.Context, status position.Status) ([]*position.Position, error) {
	query := `SELECT ` + state.PositionColumns() + ` FROM positions WHERE status = $1 ORDER BY open_ts, symbol`
	return s.query(ctx, query, string(status))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*position.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()
	var out []*position.Position
	for rows.Next() {
		var row state.PositionRow
		if err := rows.Scan(row.ScanTargets()...); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p, err := row.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
