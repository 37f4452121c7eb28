// Package dispatch turns an uploaded archive into a batch of units and
// hands the units to the task queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"

	"docbatch/internal/model"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
)

var (
	ErrNotZip         = errors.New("only ZIP files are allowed")
	ErrInvalidArchive = errors.New("invalid ZIP file")
	ErrNoDocuments    = errors.New("no DOCX files found in the ZIP archive")
	ErrTooLarge       = errors.New("upload exceeds the size limit")
	ErrBatchActive    = errors.New("batch is still being processed")
)

const sourceExt = ".docx"

type Store interface {
	CreateBatch(ctx context.Context, b model.Batch, units []model.Unit) error
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	ListUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) ([]model.Unit, error)
	DeleteBatch(ctx context.Context, id uuid.UUID) error
}

type Dispatcher struct {
	store    Store
	queue    queue.Queue
	layout   storage.Layout
	maxBytes int64
	logger   *slog.Logger
}

// New returns a Dispatcher. maxBytes <= 0 disables the upload size limit.
func New(st Store, q queue.Queue, layout storage.Layout, maxBytes int64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{store: st, queue: q, layout: layout, maxBytes: maxBytes, logger: logger}
}

// Submit stores the archive, extracts its documents, records the batch
// and enqueues one process task per unit. On failure everything written
// for the batch is removed again.
func (d *Dispatcher) Submit(ctx context.Context, archiveName string, r io.Reader) (batch model.Batch, err error) {
	if !strings.EqualFold(filepath.Ext(archiveName), ".zip") {
		return model.Batch{}, ErrNotZip
	}

	batch = model.Batch{ID: model.NewID(), Status: model.BatchPending, BundleStatus: model.BundleNone}
	log := d.logger.With("batch_id", batch.ID, "archive", archiveName)

	created := false
	defer func() {
		if err == nil {
			return
		}
		cleanup := d.layout.RemoveBatch(batch.ID)
		if created {
			cleanup = multierr.Append(cleanup, d.store.DeleteBatch(context.WithoutCancel(ctx), batch.ID))
		}
		if cleanup != nil {
			log.Error("rollback of rejected upload incomplete", "err", cleanup)
		}
		batch = model.Batch{}
	}()

	if err := os.MkdirAll(d.layout.BatchDir(batch.ID), 0o755); err != nil {
		return batch, fmt.Errorf("create batch dir: %w", err)
	}
	if err := d.saveUpload(batch.ID, r); err != nil {
		return batch, err
	}
	units, err := d.extract(batch.ID, log)
	if err != nil {
		return batch, err
	}

	if err := d.store.CreateBatch(ctx, batch, units); err != nil {
		return batch, fmt.Errorf("create batch: %w", err)
	}
	created = true

	for _, u := range units {
		if err := d.queue.Enqueue(ctx, queue.ProcessTask(u.ID)); err != nil {
			return batch, fmt.Errorf("enqueue unit %s: %w", u.SourceName, err)
		}
	}

	log.Info("batch submitted", "units", len(units))
	return d.store.GetBatch(ctx, batch.ID)
}

func (d *Dispatcher) saveUpload(batchID uuid.UUID, r io.Reader) error {
	f, err := os.Create(d.layout.UploadPath(batchID))
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	src := r
	if d.maxBytes > 0 {
		src = io.LimitReader(r, d.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	err = multierr.Append(err, f.Close())
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return ErrTooLarge
	}
	return nil
}

// extract writes every .docx member of the upload into the batch
// directory and returns one pending unit per document.
func (d *Dispatcher) extract(batchID uuid.UUID, log *slog.Logger) ([]model.Unit, error) {
	zr, err := zip.OpenReader(d.layout.UploadPath(batchID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	var units []model.Unit
	seen := make(map[string]bool)
	for _, f := range zr.File {
		name := strings.TrimLeft(path.Clean(strings.ReplaceAll(f.Name, "\\", "/")), "/")
		if f.FileInfo().IsDir() || isMetadata(name) || !strings.EqualFold(path.Ext(name), sourceExt) {
			continue
		}
		if seen[name] {
			log.Warn("duplicate archive member skipped", "name", name)
			continue
		}
		dst, err := d.layout.SafeJoin(batchID, name)
		if err != nil {
			log.Warn("unsafe archive member skipped", "name", f.Name)
			continue
		}
		if err := extractFile(f, dst); err != nil {
			return nil, fmt.Errorf("%w: extract %s: %v", ErrInvalidArchive, name, err)
		}
		seen[name] = true
		units = append(units, model.Unit{
			ID:         model.NewID(),
			BatchID:    batchID,
			SourceName: name,
			Status:     model.UnitPending,
		})
	}
	if len(units) == 0 {
		return nil, ErrNoDocuments
	}
	return units, nil
}

func isMetadata(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	return multierr.Append(err, out.Close())
}

// Requeue enqueues a process task for every unit that is not terminal and
// a finalize task for the batch. It returns the number of process tasks.
func (d *Dispatcher) Requeue(ctx context.Context, batchID uuid.UUID) (int, error) {
	b, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	open, err := d.store.ListUnits(ctx, b.ID, model.NonTerminalUnitStatuses...)
	if err != nil {
		return 0, fmt.Errorf("list open units: %w", err)
	}
	for _, u := range open {
		if err := d.queue.Enqueue(ctx, queue.ProcessTask(u.ID)); err != nil {
			return 0, fmt.Errorf("enqueue unit %s: %w", u.SourceName, err)
		}
	}
	if err := d.queue.Enqueue(ctx, queue.FinalizeTask(b.ID)); err != nil {
		return 0, fmt.Errorf("enqueue finalize: %w", err)
	}
	d.logger.Info("batch requeued", "batch_id", b.ID, "units", len(open))
	return len(open), nil
}

// Delete removes a terminal batch with its units and files.
func (d *Dispatcher) Delete(ctx context.Context, batchID uuid.UUID) error {
	b, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !b.Status.IsTerminal() {
		return ErrBatchActive
	}
	if err := d.store.DeleteBatch(ctx, b.ID); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if err := d.layout.RemoveBatch(b.ID); err != nil {
		return fmt.Errorf("remove batch files: %w", err)
	}
	d.logger.Info("batch deleted", "batch_id", b.ID)
	return nil
}
