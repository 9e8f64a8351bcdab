package guardrail

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSweep resets an elapsed budget window, picks up safe-mode changes made
// by other processes and purges handled anomalies past retention.
func RunSweep(ctx context.Context, e *Enforcer) {
	ctx, span := tracer.Start(ctx, "guardrail.sweep")
	defer span.End()

	if err := e.safeMode.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("safe_mode_reload_failed")
	}
	if e.budget.Sweep(ctx) {
		log.Info().Int("resets", e.budget.Snapshot(ctx).Resets).Msg("budget_window_reset")
	}
	if retention := e.cfg.Anomalies.Retention; retention > 0 {
		n, err := e.store.PurgeAnomalies(ctx, e.now().Add(-retention))
		if err != nil {
			log.Error().Err(err).Msg("anomaly_purge_failed")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("anomaly_log_purged")
		}
	}
}

// StartSweepLoop runs RunSweep every interval in a goroutine. Returns a cancel
// function to stop the loop.
func StartSweepLoop(ctx context.Context, e *Enforcer, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				RunSweep(ctx, e)
			}
		}
	}()
	return cancel
}
