package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

// RetentionStore is what retention needs from the unit store.
type RetentionStore interface {
	ListExpiredBatches(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	DeleteBatch(ctx context.Context, id uuid.UUID) error
}

// RetentionStats captures the number of batches deleted by TTL cleanup.
type RetentionStats struct {
	BatchesDeleted int64 `json:"batchesDeleted"`
}

const retentionPageSize = 100

// CleanupExpiredData deletes finished batches older than the retention
// window, together with their units and files, so that neither the
// database nor the storage directory grows without bound.
func CleanupExpiredData(ctx context.Context, cfg *config.Config, st RetentionStore, layout storage.Layout, logger *slog.Logger) RetentionStats {
	var stats RetentionStats
	if cfg.Retention.Days <= 0 {
		return stats
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Retention.Days)

	for ctx.Err() == nil {
		ids, err := st.ListExpiredBatches(ctx, cutoff, retentionPageSize)
		if err != nil {
			logger.Error("list expired batches failed", "err", err)
			break
		}
		var deleted int64
		for _, id := range ids {
			if err := layout.RemoveBatch(id); err != nil {
				logger.Warn("remove batch files failed", "batch_id", id, "err", err)
				continue
			}
			if err := st.DeleteBatch(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("delete expired batch failed", "batch_id", id, "err", err)
				continue
			}
			deleted++
		}
		stats.BatchesDeleted += deleted
		// A short page, or one where nothing could be deleted, ends the run.
		if len(ids) < retentionPageSize || deleted == 0 {
			break
		}
	}

	if stats.BatchesDeleted > 0 {
		metrics.RecordRetentionBatches(stats.BatchesDeleted)
	}
	return stats
}
