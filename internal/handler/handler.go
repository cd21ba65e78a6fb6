// Package handler exposes the HTTP API: document upload and management,
// evaluation lifecycle, and the websocket notification endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/orchestrator"
	"github.com/lexeval/lexeval/internal/store"
)

// DefaultMaxUploadSize caps uploaded PDF size at 50 MB.
const DefaultMaxUploadSize = 50 << 20

// Runner starts and cancels evaluation runs. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Start(ctx context.Context, documentIDs, paths []string, testMode bool) (string, error)
	Cancel(id string) error
	Registry() *orchestrator.Registry
}

// Handler serves the JSON API.
type Handler struct {
	store         *store.Store
	runner        Runner
	notifications http.Handler
	uploadDir     string
	maxUploadSize int64
}

// New creates a Handler. notifications may be nil when the websocket
// endpoint is not wanted (tests, CLI runs).
func New(s *store.Store, runner Runner, notifications http.Handler, uploadDir string) (*Handler, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Handler{
		store:         s,
		runner:        runner,
		notifications: notifications,
		uploadDir:     uploadDir,
		maxUploadSize: DefaultMaxUploadSize,
	}, nil
}

// Routes registers all API routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.handleUploadDocument)
			r.Get("/", h.handleListDocuments)
			r.Get("/{documentID}", h.handleGetDocument)
			r.Delete("/{documentID}", h.handleDeleteDocument)
		})
		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/", h.handleStartEvaluation)
			r.Get("/", h.handleListEvaluations)
			r.Get("/{evaluationID}", h.handleGetEvaluation)
			r.Post("/{evaluationID}/cancel", h.handleCancelEvaluation)
			r.Get("/{evaluationID}/qcm", h.handleListQCM)
			r.Get("/{evaluationID}/reports", h.handleListReports)
		})
	})
	if h.notifications != nil {
		r.Get("/ws/notifications", h.notifications.ServeHTTP)
	}
}

func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "only PDF files are accepted")
		return
	}

	id := uuid.New().String()
	path := filepath.Join(h.uploadDir, id+".pdf")
	dst, err := os.Create(path)
	if err != nil {
		slog.Error("Failed to create upload file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		slog.Error("Failed to write upload", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	doc := model.Document{
		ID:           id,
		OriginalName: header.Filename,
		Path:         path,
		Size:         size,
		UploadDate:   time.Now(),
		Status:       "available",
	}
	if err := h.store.SaveDocument(r.Context(), doc); err != nil {
		os.Remove(path)
		slog.Error("Failed to save document", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save document")
		return
	}
	slog.Info("Document uploaded", "id", id, "name", header.Filename, "size", size)
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.ListDocuments(r.Context())
	if err != nil {
		slog.Error("Failed to list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := h.store.GetDocument(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load document", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := h.store.GetDocument(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load document", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err := h.store.DeleteDocument(r.Context(), id); err != nil {
		slog.Error("Failed to delete document", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	if err := os.Remove(doc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove document file", "path", doc.Path, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type startEvaluationRequest struct {
	DocumentIDs []string `json:"document_ids"`
	TestMode    bool     `json:"test_mode"`
}

type startEvaluationResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
}

func (h *Handler) handleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	var req startEvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "document_ids is required")
		return
	}

	paths := make([]string, 0, len(req.DocumentIDs))
	for _, docID := range req.DocumentIDs {
		doc, err := h.store.GetDocument(r.Context(), docID)
		if err != nil {
			slog.Error("Failed to load document", "id", docID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load document")
			return
		}
		if doc == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("document %s not found", docID))
			return
		}
		paths = append(paths, doc.Path)
	}

	id, err := h.runner.Start(r.Context(), req.DocumentIDs, paths, req.TestMode)
	if err != nil {
		slog.Error("Failed to start evaluation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start evaluation")
		return
	}
	slog.Info("Evaluation started", "id", id, "documents", len(paths), "test_mode", req.TestMode)
	writeJSON(w, http.StatusAccepted, startEvaluationResponse{
		EvaluationID: id,
		Status:       string(model.StatusPending),
	})
}

func (h *Handler) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := h.store.ListEvaluations(r.Context())
	if err != nil {
		slog.Error("Failed to list evaluations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list evaluations")
		return
	}
	// In-flight runs live in the registry and may not be persisted yet.
	seen := make(map[string]bool, len(evals))
	for _, ev := range evals {
		seen[ev.ID] = true
	}
	for _, ev := range h.runner.Registry().List() {
		if !seen[ev.ID] {
			evals = append(evals, ev)
		}
	}
	if evals == nil {
		evals = []model.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evals)
}

// lookupEvaluation checks the in-memory registry first so live progress is
// visible, then falls back to the store for past runs.
func (h *Handler) lookupEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	if ev, ok := h.runner.Registry().Get(id); ok {
		return &ev, nil
	}
	return h.store.GetEvaluation(ctx, id)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	ev, err := h.lookupEvaluation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load evaluation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load evaluation")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleCancelEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	if err := h.runner.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"evaluation_id": id, "status": "cancelling"})
}

func (h *Handler) handleListQCM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	ev, err := h.lookupEvaluation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load evaluation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load evaluation")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	qcms := ev.QCMList
	if qcms == nil {
		qcms = []model.QCM{}
	}
	writeJSON(w, http.StatusOK, qcms)
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	ev, err := h.lookupEvaluation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load evaluation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load evaluation")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	paths := ev.ReportPaths
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluation_id": id, "report_paths": paths})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
