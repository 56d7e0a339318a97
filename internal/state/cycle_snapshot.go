package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "engine:last_cycle"

// CycleSnapshot summarizes the last engine cycle for the operator.
type CycleSnapshot struct {
	Action        string `json:"action"`
	FundingRates  int    `json:"funding_rates"`
	Decisions     int    `json:"decisions"`
	Opened        int    `json:"opened"`
	Commands      int    `json:"commands"`
	OpenPositions int    `json:"open_positions"`
	Error         string `json:"error,omitempty"`
	UpdatedAtMS   int64  `json:"updated_at_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
