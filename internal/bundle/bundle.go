// Package bundle packages the converted outputs of a batch into a single
// zip archive.
package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"docbatch/internal/storage"
)

// Entry is one file to place in the archive under Name.
type Entry struct {
	Name string
	Path string
}

// Result describes a written archive.
type Result struct {
	Path    string
	Written []string
	Missing []string
}

// Writer builds archives below a storage layout.
type Writer struct {
	layout storage.Layout
	logger *slog.Logger
}

func NewWriter(layout storage.Layout, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{layout: layout, logger: logger}
}

// WriteArchive writes the entries into the batch's archive path. The archive
// is assembled in a temporary file and renamed into place, so repeating the
// call replaces the archive instead of appending to it. Entries whose file
// is missing are skipped and reported in Result.Missing.
func (w *Writer) WriteArchive(ctx context.Context, batchID uuid.UUID, entries []Entry) (Result, error) {
	dst := w.layout.ArchivePath(batchID)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".converted_files-*.zip")
	if err != nil {
		return Result{}, fmt.Errorf("create temp archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	res := Result{Path: dst}
	zw := zip.NewWriter(tmp)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true

		ok, err := addFile(zw, e)
		if err != nil {
			return Result{}, fmt.Errorf("add %s: %w", e.Name, err)
		}
		if !ok {
			w.logger.Warn("expected output missing", "batch_id", batchID, "path", e.Path)
			res.Missing = append(res.Missing, e.Name)
			continue
		}
		res.Written = append(res.Written, e.Name)
	}

	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Result{}, fmt.Errorf("move archive into place: %w", err)
	}
	committed = true
	return res, nil
}

// addFile copies one entry into the archive; it returns false when the
// source file does not exist.
func addFile(zw *zip.Writer, e Entry) (bool, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return false, err
	}
	hdr.Name = filepath.ToSlash(e.Name)
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(dst, f); err != nil {
		return false, err
	}
	return true, nil
}
