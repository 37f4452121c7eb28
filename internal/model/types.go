package model

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutputExt is the extension of converted artifacts.
const OutputExt = ".pdf"

// Batch is one submitted upload. It owns its units; deleting a batch
// deletes every unit with it.
type Batch struct {
	ID           uuid.UUID
	Status       BatchStatus
	BundleStatus BundleStatus
	ArchivePath  string
	BundleError  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}

// Unit is one input document within a batch.
type Unit struct {
	ID          uuid.UUID
	BatchID     uuid.UUID
	SourceName  string
	Status      UnitStatus
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OutputName derives the converted artifact name from the source name,
// e.g. "reports/q1.docx" -> "reports/q1.pdf".
func (u Unit) OutputName() string {
	return OutputName(u.SourceName)
}

// OutputName replaces the extension of name with OutputExt.
func OutputName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + OutputExt
}

// Completion is the outcome computed when a batch is finalized.
type Completion struct {
	Status       BatchStatus
	BundleStatus BundleStatus
	ArchivePath  string
	BundleError  string
}

// NewID returns a new identifier, preferring time-ordered UUIDv7.
func NewID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
