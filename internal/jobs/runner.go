package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
)

// UnitProcessor converts a single unit.
type UnitProcessor interface {
	Process(ctx context.Context, unitID uuid.UUID)
}

// BatchFinalizer finalizes a batch once its units are done.
type BatchFinalizer interface {
	Finalize(ctx context.Context, batchID uuid.UUID)
}

// Executors groups the handlers for each task kind.
type Executors struct {
	Process  UnitProcessor
	Finalize BatchFinalizer
}

// Runner consumes the task queue and dispatches tasks to the
// kind-specific executors. It encapsulates concurrency limits and
// periodic retention cleanup.
type Runner struct {
	cfg       *config.Config
	queue     queue.Queue
	store     RetentionStore
	layout    storage.Layout
	executors Executors
	logger    *slog.Logger
}

// NewRunner constructs a Runner. Tasks whose executor is missing are
// logged and dropped.
func NewRunner(cfg *config.Config, q queue.Queue, st RetentionStore, layout storage.Layout, execs Executors, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		cfg:       cfg,
		queue:     q,
		store:     st,
		layout:    layout,
		executors: execs,
		logger:    logger,
	}
}

// Start runs the consumer loops and the retention loop until ctx is
// cancelled. Each consumer loop handles one task at a time, so
// worker.concurrency bounds the number of in-flight tasks.
func (r *Runner) Start(ctx context.Context) error {
	slots := r.cfg.Worker.Concurrency
	if slots <= 0 {
		slots = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		g.Go(func() error {
			return r.queue.Consume(ctx, r.dispatch)
		})
	}
	if r.cfg.Retention.Enabled {
		g.Go(func() error {
			r.retentionLoop(ctx)
			return nil
		})
	}
	r.logger.Info("worker started", "concurrency", slots, "retention", r.cfg.Retention.Enabled)
	return g.Wait()
}

func (r *Runner) retentionLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats := CleanupExpiredData(ctx, r.cfg, r.store, r.layout, r.logger)
		if stats.BatchesDeleted > 0 {
			r.logger.Info("retention cleanup", "batches_deleted", stats.BatchesDeleted)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, t queue.Task) error {
	switch t.Kind {
	case queue.KindProcess:
		if r.executors.Process != nil {
			r.executors.Process.Process(ctx, t.ID)
			metrics.RecordTask(string(t.Kind), true)
			return nil
		}
	case queue.KindFinalize:
		if r.executors.Finalize != nil {
			r.executors.Finalize.Finalize(ctx, t.ID)
			metrics.RecordTask(string(t.Kind), true)
			return nil
		}
	}

	metrics.RecordTask(string(t.Kind), false)
	return fmt.Errorf("no executor for task kind %q", t.Kind)
}
