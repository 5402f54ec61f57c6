// Package api exposes the export pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"report-export/internal/domain"
	"report-export/internal/middleware"
	"report-export/internal/service/export"
)

const maxRequestBody = 1 << 20

// ExportService is the subset of the export service the handlers use.
type ExportService interface {
	Create(ctx context.Context, ownerID string, req domain.CreateExportRequest) (*domain.ReportJob, error)
	Status(ctx context.Context, ownerID, id string) (*domain.ExportStatus, error)
	List(ctx context.Context, ownerID string, page domain.PageRequest) ([]domain.ReportJob, string, error)
	Cancel(ctx context.Context, ownerID, id string) (*domain.ReportJob, error)
	Retry(ctx context.Context, ownerID, id string) (*domain.ReportJob, error)
	Delete(ctx context.Context, ownerID, id string) error
	OpenDownload(ctx context.Context, token string) (*export.Download, error)
	Preview(ctx context.Context, req domain.CreateExportRequest) (*export.Preview, error)
}

// Handler serves the /v1 export endpoints.
type Handler struct {
	svc    ExportService
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc ExportService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// owner returns the authenticated owner. Routes are mounted behind
// middleware.Authenticate, so a missing owner is a wiring error.
func (h *Handler) owner(r *http.Request) (string, error) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		return "", domain.ErrAccessDenied("no authenticated owner")
	}
	return owner, nil
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (domain.CreateExportRequest, error) {
	var req domain.CreateExportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, domain.ErrValidation("invalid request body: %v", err)
	}
	return req, nil
}

// CreateExport handles POST /v1/exports.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req, err := h.decodeRequest(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	job, err := h.svc.Create(r.Context(), owner, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/exports/"+job.ID)
	writeJSON(w, http.StatusCreated, exportToAPI(job))
}

// ListExports handles GET /v1/exports.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	page := domain.PageRequest{PageToken: r.URL.Query().Get("page_token")}
	if v := r.URL.Query().Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, h.logger, domain.ErrValidation("max_results must be an integer"))
			return
		}
		page.MaxResults = n
	}
	jobs, next, err := h.svc.List(r.Context(), owner, page)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := listJSON{Exports: make([]exportJSON, 0, len(jobs)), NextPageToken: next}
	for i := range jobs {
		out.Exports = append(out.Exports, exportToAPI(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetExport handles GET /v1/exports/{id}.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	st, err := h.svc.Status(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusToAPI(st))
}

// CancelExport handles POST /v1/exports/{id}/cancel.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

// RetryExport handles POST /v1/exports/{id}/retry.
func (h *Handler) RetryExport(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Retry)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, ownerID, id string) (*domain.ReportJob, error)) {
	owner, err := h.owner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	job, err := fn(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, exportToAPI(job))
}

// DeleteExport handles DELETE /v1/exports/{id}.
func (h *Handler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewReport handles POST /v1/reports/preview.
func (h *Handler) PreviewReport(w http.ResponseWriter, r *http.Request) {
	if _, err := h.owner(r); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req, err := h.decodeRequest(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.svc.Preview(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, previewToAPI(p))
}

// Download handles GET /v1/downloads/{token}. The token is the credential,
// so the route is not behind bearer authentication.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.OpenDownload(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer dl.Body.Close() //nolint:errcheck

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("download interrupted", "file", dl.FileName, "error", fmt.Errorf("copy: %w", err))
	}
}
