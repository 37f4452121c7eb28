// Package pipeline converts the units of a batch and decides, exactly
// once, when the batch is finished and what its outcome is.
//
// Every Worker invocation ends by calling the Finalizer for the unit's
// batch. The Finalizer no-ops while any unit is still pending or
// processing; the call made by the worker that finishes the last unit
// observes zero open units and commits the aggregate status. Concurrent
// callers are serialized by a per-batch lock and the commit itself is a
// compare-and-set on the batch status, so the bundle is built at most once.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"docbatch/internal/bundle"
	"docbatch/internal/model"
	"docbatch/internal/queue"
	"docbatch/internal/store"
)

// Store is the subset of the unit store used by the pipeline. Both
// *store.Store and *store.Memory implement it.
type Store interface {
	GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error)
	FinishUnit(ctx context.Context, u model.Unit) (bool, error)
	ClaimUnit(ctx context.Context, id uuid.UUID) (bool, error)
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	MarkBatchProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	ListUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) ([]model.Unit, error)
	CountUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) (int, error)
	FinalizeBatch(ctx context.Context, id uuid.UUID, c model.Completion) (bool, error)
	SetBundle(ctx context.Context, id uuid.UUID, status model.BundleStatus, archivePath, bundleErr string) error
}

// Bundler writes the result archive of a batch.
type Bundler interface {
	WriteArchive(ctx context.Context, batchID uuid.UUID, entries []bundle.Entry) (bundle.Result, error)
}

// Enqueuer accepts tasks for redelivery. Every queue backend implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// BatchFinalizer is what the Worker calls after every unit.
type BatchFinalizer interface {
	Finalize(ctx context.Context, batchID uuid.UUID)
}

var (
	// ErrNotReady is returned by RebuildBundle for batches without outputs.
	ErrNotReady = errors.New("batch has no outputs to bundle")
)

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// persist retries a store write a few times; a missing row is final.
func persist(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}
