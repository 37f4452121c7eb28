package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/converter"
	"docbatch/internal/metrics"
	"docbatch/internal/model"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

// TimeoutDetail is recorded on units whose conversion hit the deadline.
const TimeoutDetail = "conversion timeout"

// DefaultConvertTimeout bounds a single conversion.
const DefaultConvertTimeout = 60 * time.Second

// Worker converts one unit per Process call.
type Worker struct {
	store      Store
	converter  converter.Converter
	finalizer  BatchFinalizer
	redelivery Enqueuer
	layout     storage.Layout
	timeout    time.Duration
	logger     *slog.Logger
}

func NewWorker(st Store, conv converter.Converter, fin BatchFinalizer, layout storage.Layout, timeout time.Duration, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = DefaultConvertTimeout
	}
	return &Worker{
		store:     st,
		converter: conv,
		finalizer: fin,
		layout:    layout,
		timeout:   timeout,
		logger:    orDiscard(logger),
	}
}

// WithRedelivery makes the Worker put a unit back on q when a store
// failure leaves it unfinished. Without it such units wait for an
// administrative requeue.
func (w *Worker) WithRedelivery(q Enqueuer) *Worker {
	w.redelivery = q
	return w
}

// Process converts the unit and then finalizes its batch. It never
// returns an error or panics: failures are recorded on the unit or
// logged. Deliveries for units that are already terminal only re-run
// finalization, and of two overlapping deliveries only the first
// terminal write is kept. Cancelling ctx does not interrupt a
// conversion that has started.
func (w *Worker) Process(ctx context.Context, unitID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	log := w.logger.With("unit_id", unitID)

	var batchID uuid.UUID
	defer func() {
		if r := recover(); r != nil {
			log.Error("unexpected panic while processing unit", "panic", r)
		}
		if batchID != uuid.Nil {
			w.finalizer.Finalize(ctx, batchID)
		}
	}()

	var u model.Unit
	err := persist(ctx, func(ctx context.Context) error {
		var err error
		u, err = w.store.GetUnit(ctx, unitID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Error("unit not found; dropping task")
		return
	}
	if err != nil {
		log.Error("load unit failed", "err", err)
		w.redeliver(ctx, unitID, log)
		return
	}
	batchID = u.BatchID
	log = log.With("batch_id", u.BatchID, "source", u.SourceName)

	if u.Status.IsTerminal() {
		log.Info("unit already terminal; redundant delivery", "status", u.Status)
		return
	}

	claimed, err := w.claim(ctx, &u)
	if err != nil {
		log.Error("mark unit processing failed", "err", err)
		w.redeliver(ctx, unitID, log)
		return
	}
	if !claimed {
		log.Info("unit finished by a concurrent delivery")
		return
	}
	w.startBatch(ctx, u.BatchID, log)

	started := time.Now()
	outcome := w.convert(ctx, &u)
	elapsed := time.Since(started)

	var written bool
	err = persist(ctx, func(ctx context.Context) error {
		var err error
		written, err = w.store.FinishUnit(ctx, u)
		return err
	})
	if err != nil {
		log.Error("persist unit result failed", "status", u.Status, "err", err)
		w.redeliver(ctx, unitID, log)
		return
	}
	if !written {
		log.Info("unit finished by a concurrent delivery; discarding result", "status", u.Status)
		return
	}
	metrics.RecordUnit(outcome, elapsed.Milliseconds())

	if u.Status == model.UnitCompleted {
		log.Info("converted unit", "duration_ms", elapsed.Milliseconds())
	} else {
		log.Warn("unit conversion failed", "error_detail", u.ErrorDetail, "duration_ms", elapsed.Milliseconds())
	}
}

// claim moves the unit to processing. It reports false when another
// delivery already finished the unit.
func (w *Worker) claim(ctx context.Context, u *model.Unit) (bool, error) {
	if !model.CanTransition(u.Status, model.UnitProcessing) {
		return false, fmt.Errorf("illegal transition %s -> %s", u.Status, model.UnitProcessing)
	}
	var claimed bool
	err := persist(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = w.store.ClaimUnit(ctx, u.ID)
		return err
	})
	if err != nil || !claimed {
		return false, err
	}
	u.Status = model.UnitProcessing
	u.ErrorDetail = ""
	return true, nil
}

// startBatch moves the batch out of pending. Finalization accepts a
// pending batch, so a failure here is only logged.
func (w *Worker) startBatch(ctx context.Context, batchID uuid.UUID, log *slog.Logger) {
	var flipped bool
	err := persist(ctx, func(ctx context.Context) error {
		var err error
		flipped, err = w.store.MarkBatchProcessing(ctx, batchID)
		return err
	})
	switch {
	case err != nil:
		log.Warn("mark batch processing failed; continuing", "err", err)
	case flipped:
		log.Info("batch processing started")
	}
}

func (w *Worker) redeliver(ctx context.Context, unitID uuid.UUID, log *slog.Logger) {
	if w.redelivery == nil {
		log.Warn("unit left unfinished; requeue its batch to recover")
		return
	}
	if err := w.redelivery.Enqueue(ctx, queue.ProcessTask(unitID)); err != nil {
		log.Error("redeliver unit failed; requeue its batch to recover", "err", err)
		return
	}
	log.Info("unit redelivered after store failure")
}

// convert runs the converter under the timeout and sets the unit's
// terminal state. It returns the metrics outcome label.
func (w *Worker) convert(ctx context.Context, u *model.Unit) string {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	out, err := w.callConverter(cctx, w.layout.InputPath(*u))
	if err == nil {
		err = w.placeOutput(out, w.layout.OutputPath(*u))
	}

	switch {
	case err == nil:
		u.Status = model.UnitCompleted
		u.ErrorDetail = ""
		return "completed"
	case errors.Is(err, converter.ErrTimeout) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		u.Status = model.UnitFailed
		u.ErrorDetail = TimeoutDetail
		return "timeout"
	default:
		u.Status = model.UnitFailed
		u.ErrorDetail = err.Error()
		return "failed"
	}
}

func (w *Worker) callConverter(ctx context.Context, input string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &converter.ConversionError{Message: fmt.Sprintf("converter panic: %v", r)}
		}
	}()
	return w.converter.Convert(ctx, input, filepath.Dir(input))
}

// placeOutput makes sure the artifact sits at the path the bundle expects.
func (w *Worker) placeOutput(out, expected string) error {
	if out != "" && out != expected {
		if err := os.Rename(out, expected); err != nil {
			return &converter.ConversionError{Message: fmt.Sprintf("move output into place: %v", err)}
		}
	}
	return converter.VerifyOutput(expected)
}
