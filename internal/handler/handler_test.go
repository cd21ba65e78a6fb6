package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/orchestrator"
	"github.com/lexeval/lexeval/internal/store"
)

type fakeRunner struct {
	registry  *orchestrator.Registry
	started   []string
	paths     []string
	testMode  bool
	startErr  error
	cancelled []string
	cancelErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{registry: orchestrator.NewRegistry()}
}

func (f *fakeRunner) Start(_ context.Context, documentIDs, paths []string, testMode bool) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := uuid.New().String()
	f.started = append(f.started, id)
	f.paths = paths
	f.testMode = testMode
	f.registry.Add(&model.Evaluation{
		ID:        id,
		Documents: documentIDs,
		TestMode:  testMode,
		Status:    model.StatusPending,
		StartTime: time.Now(),
	})
	return id, nil
}

func (f *fakeRunner) Cancel(id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRunner) Registry() *orchestrator.Registry { return f.registry }

func newTestHandler(t *testing.T) (*Handler, *store.Store, *fakeRunner) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	runner := newFakeRunner()
	h, err := New(s, runner, nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, s, runner
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *fakeRunner) {
	t.Helper()
	h, s, runner := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s, runner
}

func uploadPDF(t *testing.T, srv *httptest.Server, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	resp, err := http.Post(srv.URL+"/api/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestUploadDocument(t *testing.T) {
	srv, s, _ := newTestServer(t)

	resp := uploadPDF(t, srv, "contract.pdf", []byte("%PDF-1.4 fake"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	doc := decodeBody[model.Document](t, resp)
	if doc.ID == "" {
		t.Fatal("expected generated document ID")
	}
	if doc.OriginalName != "contract.pdf" {
		t.Errorf("original_name = %q", doc.OriginalName)
	}
	if doc.Status != "available" {
		t.Errorf("status = %q, want available", doc.Status)
	}
	if _, err := os.Stat(doc.Path); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
	saved, err := s.GetDocument(context.Background(), doc.ID)
	if err != nil || saved == nil {
		t.Fatalf("GetDocument = %v, %v", saved, err)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := uploadPDF(t, srv, "notes.txt", []byte("plain text"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestListAndDeleteDocument(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := uploadPDF(t, srv, "contract.pdf", []byte("%PDF-1.4"))
	doc := decodeBody[model.Document](t, resp)

	listResp, err := http.Get(srv.URL + "/api/documents")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	docs := decodeBody[[]model.Document](t, listResp)
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("list = %+v, want one document %s", docs, doc.ID)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/documents/"+doc.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("file should be removed, stat err = %v", err)
	}

	getResp, err := http.Get(srv.URL + "/api/documents/" + doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", getResp.StatusCode)
	}
}

func TestStartEvaluation(t *testing.T) {
	srv, s, runner := newTestServer(t)

	doc := model.Document{
		ID:           "doc-1",
		OriginalName: "contract.pdf",
		Path:         filepath.Join(t.TempDir(), "doc-1.pdf"),
		UploadDate:   time.Now(),
		Status:       "available",
	}
	if err := s.SaveDocument(context.Background(), doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	body := `{"document_ids": ["doc-1"], "test_mode": true}`
	resp, err := http.Post(srv.URL+"/api/evaluations", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	started := decodeBody[startEvaluationResponse](t, resp)
	if started.EvaluationID == "" {
		t.Fatal("expected evaluation_id")
	}
	if started.Status != "pending" {
		t.Errorf("status = %q, want pending", started.Status)
	}
	if len(runner.paths) != 1 || runner.paths[0] != doc.Path {
		t.Errorf("runner paths = %v, want [%s]", runner.paths, doc.Path)
	}
	if !runner.testMode {
		t.Error("test_mode not forwarded")
	}
}

func TestStartEvaluationUnknownDocument(t *testing.T) {
	srv, _, runner := newTestServer(t)

	body := `{"document_ids": ["missing"]}`
	resp, err := http.Post(srv.URL+"/api/evaluations", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if len(runner.started) != 0 {
		t.Errorf("runner should not have started anything, got %v", runner.started)
	}
}

func TestStartEvaluationEmptyBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/evaluations", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestGetEvaluationPrefersRegistry(t *testing.T) {
	srv, s, runner := newTestServer(t)

	// Same ID in both places with diverging progress. The registry holds the
	// live run, so its view wins.
	stale := &model.Evaluation{ID: "eval-1", Status: model.StatusRunning, Progress: 10, StartTime: time.Now()}
	if err := s.SaveEvaluation(context.Background(), stale); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}
	runner.registry.Add(&model.Evaluation{ID: "eval-1", Status: model.StatusRunning, Progress: 75, StartTime: time.Now()})

	resp, err := http.Get(srv.URL + "/api/evaluations/eval-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ev := decodeBody[model.Evaluation](t, resp)
	if ev.Progress != 75 {
		t.Errorf("progress = %v, want live registry value 75", ev.Progress)
	}
}

func TestGetEvaluationFallsBackToStore(t *testing.T) {
	srv, s, _ := newTestServer(t)

	end := time.Now()
	done := &model.Evaluation{
		ID:        "eval-old",
		Status:    model.StatusCompleted,
		Progress:  100,
		StartTime: end.Add(-time.Minute),
		EndTime:   &end,
	}
	if err := s.SaveEvaluation(context.Background(), done); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/evaluations/eval-old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ev := decodeBody[model.Evaluation](t, resp)
	if ev.Status != model.StatusCompleted || ev.Progress != 100 {
		t.Errorf("got %+v, want completed at 100", ev)
	}
}

func TestGetEvaluationNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/evaluations/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestListEvaluationsMergesRegistry(t *testing.T) {
	srv, s, runner := newTestServer(t)

	persisted := &model.Evaluation{ID: "eval-done", Status: model.StatusCompleted, Progress: 100, StartTime: time.Now()}
	if err := s.SaveEvaluation(context.Background(), persisted); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}
	runner.registry.Add(&model.Evaluation{ID: "eval-live", Status: model.StatusRunning, StartTime: time.Now()})

	resp, err := http.Get(srv.URL + "/api/evaluations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	evals := decodeBody[[]model.Evaluation](t, resp)
	ids := make(map[string]bool)
	for _, ev := range evals {
		ids[ev.ID] = true
	}
	if !ids["eval-done"] || !ids["eval-live"] {
		t.Fatalf("ids = %v, want both eval-done and eval-live", ids)
	}
	if len(evals) != 2 {
		t.Errorf("len = %d, want 2", len(evals))
	}
}

func TestCancelEvaluation(t *testing.T) {
	srv, _, runner := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/evaluations/eval-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != "eval-1" {
		t.Errorf("cancelled = %v", runner.cancelled)
	}
}

func TestCancelUnknownEvaluationConflicts(t *testing.T) {
	srv, _, runner := newTestServer(t)
	runner.cancelErr = fmt.Errorf("evaluation not running")

	resp, err := http.Post(srv.URL+"/api/evaluations/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestListQCM(t *testing.T) {
	srv, _, runner := newTestServer(t)

	runner.registry.Add(&model.Evaluation{
		ID:        "eval-1",
		Status:    model.StatusRunning,
		StartTime: time.Now(),
		QCMList: []model.QCM{
			{ID: "q1", Question: "What governs liability?", Criterion: model.CriterionLegal},
		},
	})

	resp, err := http.Get(srv.URL + "/api/evaluations/eval-1/qcm")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	qcms := decodeBody[[]model.QCM](t, resp)
	if len(qcms) != 1 || qcms[0].ID != "q1" {
		t.Fatalf("qcms = %+v", qcms)
	}
}

func TestListReports(t *testing.T) {
	srv, s, _ := newTestServer(t)

	ev := &model.Evaluation{
		ID:          "eval-1",
		Status:      model.StatusCompleted,
		Progress:    100,
		StartTime:   time.Now(),
		ReportPaths: []string{"reports/evaluation_eval-1.json", "reports/evaluation_eval-1.html"},
	}
	if err := s.SaveEvaluation(context.Background(), ev); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/evaluations/eval-1/reports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decodeBody[map[string]any](t, resp)
	paths, ok := body["report_paths"].([]any)
	if !ok || len(paths) != 2 {
		t.Fatalf("report_paths = %v", body["report_paths"])
	}
}
