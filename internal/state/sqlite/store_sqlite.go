package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"okx-carry-bot/internal/position"
	"okx-carry-bot/internal/state"

	_ "modernc.org/sqlite"
)

// Store keeps the kv table and the positions table in one database file.
type Store struct {
	db     *sql.DB
	upsert string
}

func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		upsert: state.UpsertPositionSQL(func(int) string { return "?" }),
	}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			open_ts INTEGER NOT NULL,
			close_ts INTEGER,
			last_update_ts INTEGER NOT NULL,
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
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return addMissingColumns(db, "positions", map[string]string{
		"realized_leg_gain": "TEXT NOT NULL DEFAULT '0'",
		"realized_leg_loss": "TEXT NOT NULL DEFAULT '0'",
	})
}

// addMissingColumns upgrades tables created before a column existed.
func addMissingColumns(db *sql.DB, table string, columns map[string]string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dflt      sql.NullString
			primaryID int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &primaryID); err != nil {
			_ = rows.Close()
			return err
		}
		have[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for name, def := range columns {
		if have[name] {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, def)); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Save(ctx context.Context, p *position.Position) error {
	if p == nil {
		return errors.New("nil position")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", p.Key(), err)
	}
	row := state.EncodePosition(p)
	if _, err := s.db.ExecContext(ctx, s.upsert, row.Values()...); err != nil {
		return fmt.Errorf("save %s: %w", p.Key(), err)
	}
	return nil
}

func (s *Store) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	query := `SELECT ` + state.PositionColumns() + ` FROM positions WHERE status <> ? ORDER BY open_ts, symbol`
	return s.query(ctx, query, string(position.StatusClosed))
}

func (s *Store) FindByStatus(ctx context.Context, status position.Status) ([]*position.Position, error) {
	query := `SELECT ` + state.PositionColumns() + ` FROM positions WHERE status = ? ORDER BY open_ts, symbol`
	return s.query(ctx, query, string(status))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*position.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*position.Position
	for rows.Next() {
		var row state.PositionRow
		if err := rows.Scan(row.ScanTargets()...); err != nil {
			return nil, err
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
	return s.db.Close()
}
