package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/download_manager/internal/logctx"
)

// HistoryPruner removes finished downloads that ended before a cutoff.
type HistoryPruner interface {
	ClearFinishedBefore(cutoff time.Time) int
}

// PruneHistory drops finished downloads older than retention and returns how
// many were removed.
func PruneHistory(ctx context.Context, p HistoryPruner, retention time.Duration, now time.Time) int {
	logger := logctx.LoggerFromContext(ctx)

	removed := p.ClearFinishedBefore(now.Add(-retention))
	if removed > 0 {
		logger.Info("pruned download history", "removed", removed, "retention", retention)
	}

	return removed
}

// Run prunes history every interval until ctx is done. A non-positive
// retention disables pruning.
func Run(ctx context.Context, p HistoryPruner, retention, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if retention <= 0 || interval <= 0 {
		logger.Info("download history cleanup disabled")

		return
	}

	logger.Info("watching download history", "retention", retention, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down history cleanup")

			return
		case now := <-ticker.C:
			PruneHistory(ctx, p, retention, now)
		}
	}
}
