package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"docbatch/internal/bundle"
	"docbatch/internal/lock"
	"docbatch/internal/metrics"
	"docbatch/internal/model"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

// FinalizerOptions tunes lock waiting and bundle retries.
type FinalizerOptions struct {
	LockWait           time.Duration
	BundleAttempts     int
	BundleInitialDelay time.Duration
}

func (o FinalizerOptions) withDefaults() FinalizerOptions {
	if o.LockWait <= 0 {
		o.LockWait = 30 * time.Second
	}
	if o.BundleAttempts <= 0 {
		o.BundleAttempts = 3
	}
	if o.BundleInitialDelay <= 0 {
		o.BundleInitialDelay = 200 * time.Millisecond
	}
	return o
}

// Finalizer commits the terminal status of a batch once all of its units
// are terminal, building the bundle when there is anything to bundle.
type Finalizer struct {
	store   Store
	bundler Bundler
	locker  lock.Locker
	layout  storage.Layout
	opts    FinalizerOptions
	logger  *slog.Logger
}

func NewFinalizer(st Store, b Bundler, l lock.Locker, layout storage.Layout, opts FinalizerOptions, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		store:   st,
		bundler: b,
		locker:  l,
		layout:  layout,
		opts:    opts.withDefaults(),
		logger:  orDiscard(logger),
	}
}

// Finalize is safe to call any number of times, from any number of
// goroutines or processes. It never panics and never returns an error.
func (f *Finalizer) Finalize(ctx context.Context, batchID uuid.UUID) {
	log := f.logger.With("batch_id", batchID)
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordFinalize("error")
			log.Error("unexpected panic while finalizing batch", "panic", r)
		}
	}()

	outcome, err := f.finalize(ctx, batchID, log)
	if err != nil {
		metrics.RecordFinalize("error")
		log.Error("finalize batch failed", "err", err)
		return
	}
	metrics.RecordFinalize(outcome)
}

func (f *Finalizer) finalize(ctx context.Context, batchID uuid.UUID, log *slog.Logger) (string, error) {
	b, err := f.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("batch not found; nothing to finalize")
			return "missing", nil
		}
		return "", fmt.Errorf("load batch: %w", err)
	}
	if b.Status.IsTerminal() {
		return "already_terminal", nil
	}

	open, err := f.store.CountUnits(ctx, batchID, model.NonTerminalUnitStatuses...)
	if err != nil {
		return "", fmt.Errorf("count open units: %w", err)
	}
	if open > 0 {
		log.Debug("batch still has open units", "open", open)
		return "skipped_pending", nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, f.opts.LockWait)
	release, err := f.locker.Acquire(lockCtx, batchID.String())
	cancel()
	if err != nil {
		return "", fmt.Errorf("acquire finalize lock: %w", err)
	}
	defer release()

	// Another holder may have committed while we waited.
	b, err = f.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("reload batch: %w", err)
	}
	if b.Status.IsTerminal() {
		return "already_terminal", nil
	}

	units, err := f.store.ListUnits(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("list units: %w", err)
	}
	var failed int
	completed := make([]model.Unit, 0, len(units))
	for _, u := range units {
		switch u.Status {
		case model.UnitFailed:
			failed++
		case model.UnitCompleted:
			completed = append(completed, u)
		default:
			log.Debug("unit reopened before commit", "unit_id", u.ID, "status", u.Status)
			return "skipped_pending", nil
		}
	}

	c := model.Completion{Status: model.Aggregate(len(units), failed), BundleStatus: model.BundleNone}
	if c.Status.HasOutputs() && len(completed) > 0 {
		c.BundleStatus, c.ArchivePath, c.BundleError = f.buildBundle(ctx, batchID, completed, log)
	}

	won, err := f.store.FinalizeBatch(ctx, batchID, c)
	if err != nil {
		return "", fmt.Errorf("commit batch status: %w", err)
	}
	if !won {
		log.Info("batch already finalized by another caller")
		return "lost_race", nil
	}

	metrics.RecordBatch(string(c.Status))
	log.Info("batch finalized",
		"status", c.Status,
		"total", len(units),
		"failed", failed,
		"bundle_status", c.BundleStatus,
	)
	return "committed", nil
}

// buildBundle writes the archive with retries. Failures are reported
// through the returned bundle status rather than an error so the batch
// status can still be committed.
func (f *Finalizer) buildBundle(ctx context.Context, batchID uuid.UUID, units []model.Unit, log *slog.Logger) (model.BundleStatus, string, string) {
	entries := make([]bundle.Entry, 0, len(units))
	for _, u := range units {
		entries = append(entries, bundle.Entry{Name: u.OutputName(), Path: f.layout.OutputPath(u)})
	}

	var res bundle.Result
	backoff := retry.WithMaxRetries(uint64(f.opts.BundleAttempts-1), retry.NewExponential(f.opts.BundleInitialDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := f.bundler.WriteArchive(ctx, batchID, entries)
		if err != nil {
			log.Warn("bundle attempt failed", "err", err)
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	if err == nil && len(res.Written) == 0 {
		err = errors.New("no converted outputs found on disk")
	}
	if err != nil {
		metrics.RecordBundle("failed")
		log.Error("bundle creation failed", "err", err)
		return model.BundleFailed, "", err.Error()
	}

	metrics.RecordBundle("ready")
	log.Info("bundle written", "path", res.Path, "entries", len(res.Written), "missing", len(res.Missing))
	return model.BundleReady, res.Path, ""
}

// RebuildBundle rebuilds the archive of a terminal batch whose bundle is
// missing or failed and records the new bundle status.
func (f *Finalizer) RebuildBundle(ctx context.Context, batchID uuid.UUID) (model.Batch, error) {
	log := f.logger.With("batch_id", batchID)

	b, err := f.store.GetBatch(ctx, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	if !b.Status.HasOutputs() {
		return b, ErrNotReady
	}

	lockCtx, cancel := context.WithTimeout(ctx, f.opts.LockWait)
	release, err := f.locker.Acquire(lockCtx, batchID.String())
	cancel()
	if err != nil {
		return b, fmt.Errorf("acquire finalize lock: %w", err)
	}
	defer release()

	completed, err := f.store.ListUnits(ctx, batchID, model.UnitCompleted)
	if err != nil {
		return b, fmt.Errorf("list completed units: %w", err)
	}
	if len(completed) == 0 {
		return b, ErrNotReady
	}

	status, path, bundleErr := f.buildBundle(ctx, batchID, completed, log)
	if err := f.store.SetBundle(ctx, batchID, status, path, bundleErr); err != nil {
		return b, fmt.Errorf("record bundle: %w", err)
	}
	return f.store.GetBatch(ctx, batchID)
}
