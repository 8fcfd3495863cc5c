package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper drives the reconciliation sweep on a fixed interval. Manual triggers
// through the cron endpoint may overlap with it; the sweep is idempotent.
type Sweeper struct {
	reconcile *ReconcileService
	interval  time.Duration
	log       zerolog.Logger
}

func NewSweeper(reconcile *ReconcileService, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{reconcile: reconcile, interval: interval, log: log}
}

func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("reconciliation sweeper started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			report, err := w.reconcile.Sweep(ctx, 0)
			if err != nil {
				w.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if report.RetriesProcessed > 0 || report.CheckoutsExpired > 0 || report.SubscriptionsLapsed > 0 {
				w.log.Info().
					Int("retries_processed", report.RetriesProcessed).
					Int("retries_succeeded", report.RetriesSucceeded).
					Int("dead_lettered", report.DeadLettered).
					Int("checkouts_expired", report.CheckoutsExpired).
					Int("subscriptions_lapsed", report.SubscriptionsLapsed).
					Msg("sweep completed")
			}
		}
	}
}
