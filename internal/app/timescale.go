package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

func (a *App) startTimescale(ctx context.Context) {
	if a.timescale == nil {
		return
	}
	a.timescale.Start(ctx)
	a.log.Info("timescale writer started", zap.String("schema", a.cfg.Timescale.Schema))
}

// timescaleStatus reports queue drops for the operator; empty when the
// writer is disabled.
func (a *App) timescaleStatus() string {
	if a.timescale == nil {
		return ""
	}
	positions, funding := a.timescale.Dropped()
	return fmt.Sprintf("timescale: dropped positions=%d funding=%d", positions, funding)
}
