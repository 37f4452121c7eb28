package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"docbatch/internal/model"
)

// ErrNotFound is returned when a batch or unit does not exist.
var ErrNotFound = errors.New("not found")

// Store persists batches and units in Postgres through a shared *sql.DB.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// CreateBatch inserts a batch and all of its units atomically.
func (s *Store) CreateBatch(ctx context.Context, b model.Batch, units []model.Unit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, status, bundle_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)`,
			b.ID, string(b.Status), string(b.BundleStatus), b.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, u := range units {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO units (id, batch_id, source_name, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)`,
				u.ID, b.ID, u.SourceName, string(u.Status), u.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert unit %s: %w", u.SourceName, err)
			}
		}
		return nil
	})
}

const batchColumns = `id, status, bundle_status, archive_path, bundle_error, created_at, updated_at, finished_at`

func scanBatch(row interface{ Scan(...any) error }) (model.Batch, error) {
	var (
		b            model.Batch
		status       string
		bundleStatus string
		archive      sql.NullString
		bundleErr    sql.NullString
		finished     sql.NullTime
	)
	if err := row.Scan(&b.ID, &status, &bundleStatus, &archive, &bundleErr, &b.CreatedAt, &b.UpdatedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, err
	}
	b.Status = model.BatchStatus(status)
	b.BundleStatus = model.BundleStatus(bundleStatus)
	b.ArchivePath = archive.String
	b.BundleError = bundleErr.String
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

const unitColumns = `id, batch_id, source_name, status, error_detail, created_at, updated_at`

func scanUnit(row interface{ Scan(...any) error }) (model.Unit, error) {
	var (
		u      model.Unit
		status string
		detail sql.NullString
	)
	if err := row.Scan(&u.ID, &u.BatchID, &u.SourceName, &status, &detail, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Unit{}, ErrNotFound
		}
		return model.Unit{}, err
	}
	u.Status = model.UnitStatus(status)
	u.ErrorDetail = detail.String
	return u, nil
}

func (s *Store) GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id)
	return scanUnit(row)
}

func statusStrings(statuses []model.UnitStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// ListUnits returns the units of a batch ordered by source name. With no
// statuses every unit is returned.
func (s *Store) ListUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) ([]model.Unit, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE batch_id = $1 ORDER BY source_name`, batchID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE batch_id = $1 AND status = ANY($2) ORDER BY source_name`, batchID, statusStrings(statuses))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// CountUnits counts the units of a batch, optionally filtered by status.
func (s *Store) CountUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) (int, error) {
	var n int
	var err error
	if len(statuses) == 0 {
		err = s.DB.QueryRowContext(ctx, `SELECT count(*) FROM units WHERE batch_id = $1`, batchID).Scan(&n)
	} else {
		err = s.DB.QueryRowContext(ctx, `SELECT count(*) FROM units WHERE batch_id = $1 AND status = ANY($2)`, batchID, statusStrings(statuses)).Scan(&n)
	}
	return n, err
}

// UpdateUnit writes the unit's status and error detail (last write wins).
func (s *Store) UpdateUnit(ctx context.Context, u model.Unit) error {
	var detail sql.NullString
	if u.ErrorDetail != "" {
		detail = sql.NullString{String: u.ErrorDetail, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE units SET status = $2, error_detail = $3, updated_at = now()
		WHERE id = $1`, u.ID, string(u.Status), detail)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishUnit writes a terminal status and error detail only while the unit
// is still processing. It reports false when the unit is missing or some
// other delivery already finished it.
func (s *Store) FinishUnit(ctx context.Context, u model.Unit) (bool, error) {
	if !u.Status.IsTerminal() {
		return false, fmt.Errorf("finish unit %s: %s is not a terminal status", u.ID, u.Status)
	}
	var detail sql.NullString
	if u.ErrorDetail != "" {
		detail = sql.NullString{String: u.ErrorDetail, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE units SET status = $2, error_detail = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		u.ID, string(u.Status), detail, string(model.UnitProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimUnit moves a non-terminal unit to processing. It reports false when
// the unit is already terminal.
func (s *Store) ClaimUnit(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE units SET status = $2, error_detail = NULL, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(model.UnitProcessing), statusStrings(model.NonTerminalUnitStatuses))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkBatchProcessing flips a pending batch to processing. It reports
// whether this call performed the transition.
func (s *Store) MarkBatchProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE batches SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, string(model.BatchProcessing), string(model.BatchPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinalizeBatch commits the terminal status only if the batch is not yet
// terminal. The boolean is false when another caller already finalized it.
func (s *Store) FinalizeBatch(ctx context.Context, id uuid.UUID, c model.Completion) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE batches
		SET status = $2, bundle_status = $3, archive_path = NULLIF($4, ''),
		    bundle_error = NULLIF($5, ''), finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($6, $7)`,
		id, string(c.Status), string(c.BundleStatus), c.ArchivePath, c.BundleError,
		string(model.BatchPending), string(model.BatchProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetBundle records the outcome of a bundle rebuild on a terminal batch.
func (s *Store) SetBundle(ctx context.Context, id uuid.UUID, status model.BundleStatus, archivePath, bundleErr string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE batches
		SET bundle_status = $2, archive_path = NULLIF($3, ''), bundle_error = NULLIF($4, ''), updated_at = now()
		WHERE id = $1`, id, string(status), archivePath, bundleErr)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch removes a batch; units are removed by the ON DELETE CASCADE
// foreign key.
func (s *Store) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredBatches returns up to limit terminal batches finished before cutoff.
func (s *Store) ListExpiredBatches(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM batches
		WHERE finished_at IS NOT NULL AND finished_at < $1
		ORDER BY finished_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
