package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/deltalux/internal/config"
	"github.com/dokzlo13/deltalux/internal/ledger"
)

// runLedgerCleanup periodically deletes ledger entries past the retention window.
func runLedgerCleanup(ctx context.Context, cfg config.LedgerConfig, l *ledger.Ledger) {
	retention := cfg.Retention()
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
