package http

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docbatch/internal/dispatch"
	"docbatch/internal/pipeline"
	"docbatch/internal/store"
)

type batchHandlers struct {
	deps   Deps
	logger *slog.Logger
}

func parseBatchID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "Invalid batch id")
	}
	return id, nil
}

func notFound(c *fiber.Ctx) error {
	return fail(c, fiber.StatusNotFound, "NOT_FOUND", "Batch not found")
}

// submit handles POST /v1/batches.
func (h *batchHandlers) submit(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "Missing multipart file field \"file\"")
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "Unreadable upload")
	}
	defer f.Close()

	b, err := h.deps.Dispatcher.Submit(c.UserContext(), fh.Filename, f)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrNotZip),
		errors.Is(err, dispatch.ErrInvalidArchive),
		errors.Is(err, dispatch.ErrNoDocuments):
		return fail(c, fiber.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, dispatch.ErrTooLarge):
		return fail(c, fiber.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
	default:
		h.logger.Error("submit batch failed", "filename", fh.Filename, "err", err)
		return fail(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("Failed to process upload: %v", err))
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{
		Success: true,
		BatchID: b.ID.String(),
		Status:  string(b.Status),
		Message: "Batch accepted for conversion",
	})
}

// detail handles GET /v1/batches/:id.
func (h *batchHandlers) detail(c *fiber.Ctx) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	b, err := h.deps.Store.GetBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return err
	}
	units, err := h.deps.Store.ListUnits(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(BatchResponse{Success: true, Batch: toBatchItem(b, units)})
}

// download handles GET /v1/batches/:id/download.
func (h *batchHandlers) download(c *fiber.Ctx) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	b, err := h.deps.Store.GetBatch(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return err
	}
	if !downloadable(b) {
		return fail(c, fiber.StatusBadRequest, "NOT_READY", "Batch is not ready for download")
	}
	if _, err := os.Stat(b.ArchivePath); err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "Result file not found")
	}
	return c.Download(b.ArchivePath, fmt.Sprintf("batch_%s_converted.zip", b.ID))
}

// rebuildBundle handles POST /v1/batches/:id/bundle.
func (h *batchHandlers) rebuildBundle(c *fiber.Ctx) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	b, err := h.deps.Bundles.RebuildBundle(c.UserContext(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(c)
	case errors.Is(err, pipeline.ErrNotReady):
		return fail(c, fiber.StatusConflict, "NOT_READY", err.Error())
	case err != nil:
		return err
	}
	units, err := h.deps.Store.ListUnits(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(BatchResponse{Success: true, Batch: toBatchItem(b, units)})
}

// requeue handles POST /v1/batches/:id/requeue.
func (h *batchHandlers) requeue(c *fiber.Ctx) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	n, err := h.deps.Dispatcher.Requeue(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(RequeueResponse{Success: true, BatchID: id.String(), Units: n})
}

// remove handles DELETE /v1/batches/:id.
func (h *batchHandlers) remove(c *fiber.Ctx) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	err = h.deps.Dispatcher.Delete(c.UserContext(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(c)
	case errors.Is(err, dispatch.ErrBatchActive):
		return fail(c, fiber.StatusConflict, "CONFLICT", err.Error())
	case err != nil:
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
