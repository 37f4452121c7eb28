package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/model"
)

func seedBatch(t *testing.T, m *Memory, names ...string) (model.Batch, []model.Unit) {
	t.Helper()
	b := model.Batch{ID: uuid.New(), Status: model.BatchPending, BundleStatus: model.BundleNone}
	units := make([]model.Unit, 0, len(names))
	for _, n := range names {
		units = append(units, model.Unit{ID: uuid.New(), BatchID: b.ID, SourceName: n, Status: model.UnitPending})
	}
	if err := m.CreateBatch(context.Background(), b, units); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b, units
}

func TestMemoryCountAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b, units := seedBatch(t, m, "b.docx", "a.docx", "c.docx")

	units[0].Status = model.UnitFailed
	units[0].ErrorDetail = "boom"
	if err := m.UpdateUnit(ctx, units[0]); err != nil {
		t.Fatalf("UpdateUnit: %v", err)
	}

	n, err := m.CountUnits(ctx, b.ID, model.NonTerminalUnitStatuses...)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 non-terminal units, got %d (%v)", n, err)
	}
	all, _ := m.ListUnits(ctx, b.ID)
	if len(all) != 3 || all[0].SourceName != "a.docx" {
		t.Fatalf("expected 3 units sorted by name, got %+v", all)
	}
	failed, _ := m.ListUnits(ctx, b.ID, model.UnitFailed)
	if len(failed) != 1 || failed[0].ErrorDetail != "boom" {
		t.Fatalf("unexpected failed units: %+v", failed)
	}
}

func TestMemoryFinalizeIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b, _ := seedBatch(t, m, "a.docx")

	won, err := m.FinalizeBatch(ctx, b.ID, model.Completion{Status: model.BatchCompleted, BundleStatus: model.BundleReady, ArchivePath: "/x.zip"})
	if err != nil || !won {
		t.Fatalf("first finalize should win: won=%v err=%v", won, err)
	}
	won, err = m.FinalizeBatch(ctx, b.ID, model.Completion{Status: model.BatchFailed})
	if err != nil || won {
		t.Fatalf("second finalize must lose: won=%v err=%v", won, err)
	}
	got, _ := m.GetBatch(ctx, b.ID)
	if got.Status != model.BatchCompleted || got.FinishedAt == nil {
		t.Fatalf("unexpected batch after finalize: %+v", got)
	}
}

func TestMemoryMarkProcessingOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b, _ := seedBatch(t, m, "a.docx")

	if ok, _ := m.MarkBatchProcessing(ctx, b.ID); !ok {
		t.Fatal("expected pending -> processing")
	}
	if ok, _ := m.MarkBatchProcessing(ctx, b.ID); ok {
		t.Fatal("second transition must be a no-op")
	}
}

func TestMemoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	b, units := seedBatch(t, m, "a.docx", "b.docx")

	if err := m.DeleteBatch(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, err := m.GetUnit(ctx, units[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unit to be deleted with its batch, got %v", err)
	}
	if err := m.DeleteBatch(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryListExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old, _ := seedBatch(t, m, "a.docx")
	open, _ := seedBatch(t, m, "b.docx")

	m.now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := m.FinalizeBatch(ctx, old.ID, model.Completion{Status: model.BatchFailed, BundleStatus: model.BundleNone}); err != nil {
		t.Fatalf("FinalizeBatch: %v", err)
	}

	ids, err := m.ListExpiredBatches(ctx, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("ListExpiredBatches: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expected only %s, got %v (open batch %s)", old.ID, ids, open.ID)
	}
}

func TestMemoryClaimUnitSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, units := seedBatch(t, m, "a.docx")

	if ok, err := m.ClaimUnit(ctx, units[0].ID); err != nil || !ok {
		t.Fatalf("expected claim of pending unit: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.ClaimUnit(ctx, units[0].ID); !ok {
		t.Fatal("a processing unit may be claimed again after redelivery")
	}
	units[0].Status = model.UnitCompleted
	if err := m.UpdateUnit(ctx, units[0]); err != nil {
		t.Fatalf("UpdateUnit: %v", err)
	}
	if ok, _ := m.ClaimUnit(ctx, units[0].ID); ok {
		t.Fatal("terminal unit must not be reclaimed")
	}
	if ok, _ := m.ClaimUnit(ctx, uuid.New()); ok {
		t.Fatal("unknown unit must not be claimed")
	}
}

func TestMemoryFinishUnitOnlyFromProcessing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, units := seedBatch(t, m, "a.docx")
	u := units[0]

	u.Status = model.UnitCompleted
	if ok, err := m.FinishUnit(ctx, u); err != nil || ok {
		t.Fatalf("pending unit must not be finished: ok=%v err=%v", ok, err)
	}

	if _, err := m.ClaimUnit(ctx, u.ID); err != nil {
		t.Fatalf("ClaimUnit: %v", err)
	}
	if ok, err := m.FinishUnit(ctx, u); err != nil || !ok {
		t.Fatalf("expected processing unit to finish: ok=%v err=%v", ok, err)
	}

	late := u
	late.Status = model.UnitFailed
	late.ErrorDetail = "late failure"
	if ok, _ := m.FinishUnit(ctx, late); ok {
		t.Fatal("a second terminal write must be rejected")
	}
	got, _ := m.GetUnit(ctx, u.ID)
	if got.Status != model.UnitCompleted || got.ErrorDetail != "" {
		t.Fatalf("terminal unit was overwritten: %+v", got)
	}

	u.Status = model.UnitProcessing
	if _, err := m.FinishUnit(ctx, u); err == nil {
		t.Fatal("expected an error for a non-terminal status")
	}
}
