package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"docbatch/internal/bundle"
	"docbatch/internal/config"
	"docbatch/internal/converter"
	"docbatch/internal/dispatch"
	"docbatch/internal/lock"
	"docbatch/internal/model"
	"docbatch/internal/pipeline"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.Memory
	queue  *queue.MemoryQueue
	worker *pipeline.Worker
}

func fakeConvert(_ context.Context, input, outDir string) (string, error) {
	base := filepath.Base(input)
	if strings.HasPrefix(base, "bad") {
		return "", errors.New("corrupt document")
	}
	out := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
	return out, os.WriteFile(out, []byte("%PDF"), 0o644)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	st := store.NewMemory()
	q := queue.NewMemory(64, nil)
	layout := storage.New(t.TempDir())
	fin := pipeline.NewFinalizer(st, bundle.NewWriter(layout, nil), lock.NewLocal(), layout, pipeline.FinalizerOptions{BundleInitialDelay: time.Millisecond}, nil)
	w := pipeline.NewWorker(st, converter.Func(fakeConvert), fin, layout, time.Second, nil)
	srv := NewServer(cfg, Deps{
		Store:      st,
		Dispatcher: dispatch.New(st, q, layout, 0, nil),
		Bundles:    fin,
	}, nil)
	return &testEnv{server: srv, store: st, queue: q, worker: w}
}

// runAll processes every queued task the way the worker role would.
func (e *testEnv) runAll(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for e.queue.Len() > 0 {
		_ = e.queue.Consume(ctx, func(ctx context.Context, task queue.Task) error {
			if task.Kind == queue.KindProcess {
				e.worker.Process(ctx, task.ID)
			}
			if e.queue.Len() == 0 {
				cancel()
			}
			return nil
		})
	}
}

func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write([]byte("content of " + n))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(body)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func TestBatchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, uploadRequest(t, "docs.zip", zipBytes(t, "a.docx", "bad.docx")))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	submitted := decode[SubmitResponse](t, resp)
	if !submitted.Success || submitted.Status != string(model.BatchPending) {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}

	// Not downloadable before the worker ran.
	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/batches/"+submitted.BatchID+"/download", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 before completion, got %d", resp.StatusCode)
	}

	env.runAll(t)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/batches/"+submitted.BatchID, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	detail := decode[BatchResponse](t, resp)
	b := detail.Batch
	if b.Status != string(model.BatchPartialSuccess) || b.Total != 2 || b.Completed != 1 || b.Failed != 1 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.DownloadURL != "/v1/batches/"+submitted.BatchID+"/download" {
		t.Fatalf("unexpected download url %q", b.DownloadURL)
	}

	resp = env.do(t, httptest.NewRequest(http.MethodGet, b.DownloadURL, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 download, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "batch_"+submitted.BatchID+"_converted.zip") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	payload, _ := io.ReadAll(resp.Body)
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("downloaded archive unreadable: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "a.pdf" {
		t.Fatalf("unexpected archive entries: %d", len(zr.File))
	}

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/batches/"+submitted.BatchID+"/bundle", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from bundle rebuild, got %d", resp.StatusCode)
	}

	resp = env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/batches/"+submitted.BatchID, nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/batches/"+submitted.BatchID, nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestSubmitRejectsBadUploads(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name     string
		filename string
		body     []byte
	}{
		{"not zip", "docs.pdf", []byte("x")},
		{"corrupt zip", "docs.zip", []byte("garbage")},
		{"no docx", "docs.zip", zipBytes(t, "readme.md")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, uploadRequest(t, tc.filename, tc.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			er := decode[ErrorResponse](t, resp)
			if er.Success || er.Code != "BAD_REQUEST" || er.Error == "" {
				t.Fatalf("unexpected error envelope: %+v", er)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(""))
	if resp := env.do(t, req); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without file field, got %d", resp.StatusCode)
	}
}

func TestBatchRoutesValidateIDs(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/batches/not-a-uuid", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if er := decode[ErrorResponse](t, resp); er.Code != "BAD_REQUEST" {
		t.Fatalf("unexpected code %q", er.Code)
	}

	missing := uuid.NewString()
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/batches/"+missing, nil),
		httptest.NewRequest(http.MethodGet, "/v1/batches/"+missing+"/download", nil),
		httptest.NewRequest(http.MethodPost, "/v1/batches/"+missing+"/requeue", nil),
		httptest.NewRequest(http.MethodPost, "/v1/batches/"+missing+"/bundle", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/batches/"+missing, nil),
	} {
		if resp := env.do(t, req); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", req.Method, req.URL.Path, resp.StatusCode)
		}
	}
}

func TestRequeueAndDeleteActiveBatch(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, uploadRequest(t, "docs.zip", zipBytes(t, "a.docx", "b.docx")))
	submitted := decode[SubmitResponse](t, resp)

	resp = env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/batches/"+submitted.BatchID, nil))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for active batch, got %d", resp.StatusCode)
	}

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/batches/"+submitted.BatchID+"/requeue", nil))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if rr := decode[RequeueResponse](t, resp); rr.Units != 2 {
		t.Fatalf("expected 2 requeued units, got %d", rr.Units)
	}
	// Two original tasks, two redeliveries and one finalize.
	if n := env.queue.Len(); n != 5 {
		t.Fatalf("expected 5 queued tasks, got %d", n)
	}

	env.runAll(t)
	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/batches/"+submitted.BatchID, nil))
	if b := decode[BatchResponse](t, resp).Batch; b.Status != string(model.BatchCompleted) {
		t.Fatalf("expected completed after redundant deliveries, got %s", b.Status)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz?deep=true", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" || body["db"] != "ok" || body["redis"] != "disabled" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id on the response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "docbatch_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}
