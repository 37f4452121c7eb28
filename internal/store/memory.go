package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docbatch/internal/model"
)

// Memory is an in-process store with the same semantics as Store. It is
// used with database.driver "memory" and by tests.
type Memory struct {
	mu      sync.Mutex
	batches map[uuid.UUID]model.Batch
	units   map[uuid.UUID]model.Unit
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		batches: make(map[uuid.UUID]model.Batch),
		units:   make(map[uuid.UUID]model.Unit),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateBatch(_ context.Context, b model.Batch, units []model.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.batches[b.ID] = b
	for _, u := range units {
		u.BatchID = b.ID
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.UpdatedAt = now
		m.units[u.ID] = u
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id uuid.UUID) (model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return model.Batch{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) GetUnit(_ context.Context, id uuid.UUID) (model.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[id]
	if !ok {
		return model.Unit{}, ErrNotFound
	}
	return u, nil
}

func matchStatus(st model.UnitStatus, statuses []model.UnitStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (m *Memory) ListUnits(_ context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) ([]model.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Unit
	for _, u := range m.units {
		if u.BatchID == batchID && matchStatus(u.Status, statuses) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

func (m *Memory) CountUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) (int, error) {
	units, err := m.ListUnits(ctx, batchID, statuses...)
	return len(units), err
}

func (m *Memory) UpdateUnit(_ context.Context, u model.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.units[u.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = u.Status
	cur.ErrorDetail = u.ErrorDetail
	cur.UpdatedAt = m.now()
	m.units[u.ID] = cur
	return nil
}

func (m *Memory) FinishUnit(_ context.Context, u model.Unit) (bool, error) {
	if !u.Status.IsTerminal() {
		return false, fmt.Errorf("finish unit %s: %s is not a terminal status", u.ID, u.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.units[u.ID]
	if !ok || cur.Status != model.UnitProcessing {
		return false, nil
	}
	cur.Status = u.Status
	cur.ErrorDetail = u.ErrorDetail
	cur.UpdatedAt = m.now()
	m.units[u.ID] = cur
	return true, nil
}

func (m *Memory) ClaimUnit(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[id]
	if !ok || u.Status.IsTerminal() {
		return false, nil
	}
	u.Status = model.UnitProcessing
	u.ErrorDetail = ""
	u.UpdatedAt = m.now()
	m.units[id] = u
	return true, nil
}

func (m *Memory) MarkBatchProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok || b.Status != model.BatchPending {
		return false, nil
	}
	b.Status = model.BatchProcessing
	b.UpdatedAt = m.now()
	m.batches[id] = b
	return true, nil
}

func (m *Memory) FinalizeBatch(_ context.Context, id uuid.UUID, c model.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	now := m.now()
	b.Status = c.Status
	b.BundleStatus = c.BundleStatus
	b.ArchivePath = c.ArchivePath
	b.BundleError = c.BundleError
	b.UpdatedAt = now
	b.FinishedAt = &now
	m.batches[id] = b
	return true, nil
}

func (m *Memory) SetBundle(_ context.Context, id uuid.UUID, status model.BundleStatus, archivePath, bundleErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.BundleStatus = status
	b.ArchivePath = archivePath
	b.BundleError = bundleErr
	b.UpdatedAt = m.now()
	m.batches[id] = b
	return nil
}

func (m *Memory) DeleteBatch(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[id]; !ok {
		return ErrNotFound
	}
	delete(m.batches, id)
	for uid, u := range m.units {
		if u.BatchID == id {
			delete(m.units, uid)
		}
	}
	return nil
}

func (m *Memory) ListExpiredBatches(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []model.Batch
	for _, b := range m.batches {
		if b.FinishedAt != nil && b.FinishedAt.Before(cutoff) {
			expired = append(expired, b)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].FinishedAt.Before(*expired[j].FinishedAt) })

	var ids []uuid.UUID
	for _, b := range expired {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}
