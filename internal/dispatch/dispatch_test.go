package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"docbatch/internal/model"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

type failingQueue struct {
	queue.Queue
	tasks []queue.Task
}

func (f *failingQueue) Enqueue(_ context.Context, t queue.Task) error {
	f.tasks = append(f.tasks, t)
	return errors.New("broker down")
}

func newDispatcher(t *testing.T, q queue.Queue) (*Dispatcher, *store.Memory, storage.Layout) {
	t.Helper()
	st := store.NewMemory()
	layout := storage.New(t.TempDir())
	return New(st, q, layout, 0, nil), st, layout
}

func drain(q *queue.MemoryQueue) []queue.Task {
	var tasks []queue.Task
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for q.Len() > 0 {
		_ = q.Consume(ctx, func(_ context.Context, t queue.Task) error {
			tasks = append(tasks, t)
			if q.Len() == 0 {
				cancel()
			}
			return nil
		})
	}
	return tasks
}

func TestSubmitCreatesUnitsAndTasks(t *testing.T) {
	q := queue.NewMemory(16, nil)
	d, st, layout := newDispatcher(t, q)

	archive := buildZip(t, map[string]string{
		"a.docx":                "A",
		"reports/b.DOCX":        "B",
		"notes.txt":             "skip",
		"__MACOSX/._a.docx":     "junk",
		"reports/._hidden.docx": "junk",
	})
	b, err := d.Submit(context.Background(), "upload.zip", bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.Status != model.BatchPending {
		t.Fatalf("expected pending batch, got %s", b.Status)
	}

	units, _ := st.ListUnits(context.Background(), b.ID)
	if len(units) != 2 || units[0].SourceName != "a.docx" || units[1].SourceName != "reports/b.DOCX" {
		t.Fatalf("unexpected units: %+v", units)
	}
	for _, u := range units {
		if _, err := os.Stat(layout.InputPath(u)); err != nil {
			t.Fatalf("input for %s not extracted: %v", u.SourceName, err)
		}
	}
	if _, err := os.Stat(layout.UploadPath(b.ID)); err != nil {
		t.Fatalf("upload not stored: %v", err)
	}

	tasks := drain(q)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %+v", tasks)
	}
	for _, task := range tasks {
		if task.Kind != queue.KindProcess {
			t.Fatalf("unexpected task kind %s", task.Kind)
		}
	}
}

func TestSubmitRejections(t *testing.T) {
	cases := []struct {
		name    string
		archive string
		body    []byte
		want    error
	}{
		{name: "not a zip name", archive: "docs.tar", body: []byte("x"), want: ErrNotZip},
		{name: "corrupt zip", archive: "docs.zip", body: []byte("definitely not a zip"), want: ErrInvalidArchive},
		{name: "no documents", archive: "docs.zip", body: buildZip(t, map[string]string{"readme.txt": "hi"}), want: ErrNoDocuments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := queue.NewMemory(4, nil)
			d, _, layout := newDispatcher(t, q)
			_, err := d.Submit(context.Background(), tc.archive, bytes.NewReader(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			entries, _ := os.ReadDir(layout.Root)
			if len(entries) != 0 {
				t.Fatalf("rejected upload left files behind: %v", entries)
			}
			if q.Len() != 0 {
				t.Fatal("rejected upload must not enqueue tasks")
			}
		})
	}
}

func TestSubmitEnforcesSizeLimit(t *testing.T) {
	q := queue.NewMemory(4, nil)
	st := store.NewMemory()
	layout := storage.New(t.TempDir())
	d := New(st, q, layout, 10, nil)

	archive := buildZip(t, map[string]string{"a.docx": strings.Repeat("x", 100)})
	if _, err := d.Submit(context.Background(), "a.zip", bytes.NewReader(archive)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	fq := &failingQueue{}
	d, st, layout := newDispatcher(t, fq)

	archive := buildZip(t, map[string]string{"a.docx": "A"})
	if _, err := d.Submit(context.Background(), "a.zip", bytes.NewReader(archive)); err == nil {
		t.Fatal("expected error when the queue is unavailable")
	}
	entries, _ := os.ReadDir(layout.Root)
	if len(entries) != 0 {
		t.Fatalf("batch dir should be removed, found %v", entries)
	}
	if len(fq.tasks) != 1 {
		t.Fatalf("expected one enqueue attempt, got %d", len(fq.tasks))
	}
	if _, err := st.GetUnit(context.Background(), fq.tasks[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unit should be rolled back with its batch, got %v", err)
	}
}

func TestSubmitNeverWritesOutsideBatchDir(t *testing.T) {
	q := queue.NewMemory(4, nil)
	root := t.TempDir()
	layout := storage.New(filepath.Join(root, "storage"))
	d := New(store.NewMemory(), q, layout, 0, nil)

	archive := buildZip(t, map[string]string{"../../evil.docx": "x", "good.docx": "ok"})
	b, err := d.Submit(context.Background(), "a.zip", bytes.NewReader(archive))
	if err == nil && q.Len() != 1 {
		t.Fatalf("only the safe member should become a unit, batch %s has %d tasks", b.ID, q.Len())
	}
	if _, err := os.Stat(filepath.Join(root, "evil.docx")); !os.IsNotExist(err) {
		t.Fatalf("traversal member escaped the storage root, stat err=%v", err)
	}
}

func TestRequeueEnqueuesOpenUnitsAndFinalize(t *testing.T) {
	q := queue.NewMemory(16, nil)
	d, st, _ := newDispatcher(t, q)
	ctx := context.Background()

	b, err := d.Submit(ctx, "a.zip", bytes.NewReader(buildZip(t, map[string]string{"a.docx": "A", "b.docx": "B"})))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(q)

	units, _ := st.ListUnits(ctx, b.ID)
	units[0].Status = model.UnitCompleted
	if err := st.UpdateUnit(ctx, units[0]); err != nil {
		t.Fatalf("UpdateUnit: %v", err)
	}

	n, err := d.Requeue(ctx, b.ID)
	if err != nil || n != 1 {
		t.Fatalf("Requeue = %d, %v", n, err)
	}
	tasks := drain(q)
	if len(tasks) != 2 || tasks[0] != queue.ProcessTask(units[1].ID) || tasks[1] != queue.FinalizeTask(b.ID) {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	if _, err := d.Requeue(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteOnlyTerminalBatches(t *testing.T) {
	q := queue.NewMemory(16, nil)
	d, st, layout := newDispatcher(t, q)
	ctx := context.Background()

	b, err := d.Submit(ctx, "a.zip", bytes.NewReader(buildZip(t, map[string]string{"a.docx": "A"})))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Delete(ctx, b.ID); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("expected ErrBatchActive, got %v", err)
	}

	if _, err := st.FinalizeBatch(ctx, b.ID, model.Completion{Status: model.BatchFailed, BundleStatus: model.BundleNone}); err != nil {
		t.Fatalf("FinalizeBatch: %v", err)
	}
	if err := d.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.GetBatch(ctx, b.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("batch should be gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.Root, b.ID.String())); !os.IsNotExist(err) {
		t.Fatalf("batch dir should be gone, stat err=%v", err)
	}
}
