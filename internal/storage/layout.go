// Package storage describes where batch files live on disk:
//
//	<root>/<batch_id>/upload.zip
//	<root>/<batch_id>/<source_name>          (extracted input)
//	<root>/<batch_id>/<source base>.pdf      (converted output)
//	<root>/<batch_id>/converted_files.zip    (bundle)
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"docbatch/internal/model"
)

const (
	UploadName  = "upload.zip"
	ArchiveName = "converted_files.zip"
)

// Layout resolves batch paths below a root directory.
type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) BatchDir(batchID uuid.UUID) string {
	return filepath.Join(l.Root, batchID.String())
}

func (l Layout) UploadPath(batchID uuid.UUID) string {
	return filepath.Join(l.BatchDir(batchID), UploadName)
}

func (l Layout) ArchivePath(batchID uuid.UUID) string {
	return filepath.Join(l.BatchDir(batchID), ArchiveName)
}

// InputPath returns the extracted location of a unit's source file.
func (l Layout) InputPath(u model.Unit) string {
	return filepath.Join(l.BatchDir(u.BatchID), filepath.FromSlash(u.SourceName))
}

// OutputPath returns where a unit's converted artifact is expected.
func (l Layout) OutputPath(u model.Unit) string {
	return filepath.Join(l.BatchDir(u.BatchID), filepath.FromSlash(u.OutputName()))
}

// SafeJoin resolves an archive member name below the batch directory and
// rejects names that would escape it.
func (l Layout) SafeJoin(batchID uuid.UUID, name string) (string, error) {
	dir := l.BatchDir(batchID)
	p := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	return p, nil
}

// RemoveBatch deletes every file belonging to a batch.
func (l Layout) RemoveBatch(batchID uuid.UUID) error {
	return os.RemoveAll(l.BatchDir(batchID))
}
