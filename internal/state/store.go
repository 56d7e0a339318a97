package state

import (
	"context"

	"okx-carry-bot/internal/position"
)

// Store is a small string key/value store used for order-id idempotency,
// operator state and cycle snapshots.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// PositionStore persists hedge records keyed by (symbol, open timestamp).
type PositionStore interface {
	// LoadOpenPositions returns every record that is not Closed, oldest first.
	LoadOpenPositions(ctx context.Context) ([]*position.Position, error)
	// Save upserts p. The record is validated first.
	Save(ctx context.Context, p *position.Position) error
	FindByStatus(ctx context.Context, status position.Status) ([]*position.Position, error)
}
