// Package api exposes jobs over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/ingest"
	"github.com/kalambet/passwright/internal/storage"
)

// PDFs arrive base64 encoded inside the JSON body.
const maxSubmitBodySize = 32 << 20 // 32MB

// Deps holds what the HTTP handlers need.
type Deps struct {
	Store    *storage.Store
	Ingester *ingest.Ingester
	Token    string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleSubmit(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", handleGetJob(deps))
			r.Post("/cancel", handleCancel(deps))
			r.Post("/resume", handleResume(deps))
			r.Get("/sections", handleSections(deps))
			r.Get("/changelog", handleChangeLog(deps))
			r.Get("/audit", handleAudit(deps))
			r.Get("/document", handleDocument(deps))
		})
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)
		defer r.Body.Close()

		var sub ingest.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, err := deps.Ingester.Submit(r.Context(), sub)
		if errors.Is(err, ingest.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit job: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status != "" {
			if _, err := document.ParseJobStatus(status); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Store.ListJobs(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []document.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, deps)
		if !ok {
			return
		}
		job.Draft = ""
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.RequestCancel(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, storage.ErrConflict):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
		}
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, deps)
		if !ok {
			return
		}
		if err := Resumable(job); err != nil {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		run, err := deps.Store.EnqueueRun(r.Context(), job.ID)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "job %s already has a queued run", job.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}

// Resumable reports why a job cannot be queued again, if it cannot. Only
// cancelled, paused and failed jobs resume; a quality gate failure is final.
func Resumable(job document.Job) error {
	switch job.Status {
	case document.JobCancelled, document.JobPaused:
		return nil
	case document.JobFailed:
		if job.Failure != nil && job.Failure.Kind == document.FailureQualityGate {
			return fmt.Errorf("job %s failed its quality gate (score %d); its audit is final", job.ID, job.Failure.Score)
		}
		return nil
	}
	return fmt.Errorf("job %s is %s and cannot be resumed", job.ID, job.Status)
}

func handleSections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, deps)
		if !ok {
			return
		}
		sections, err := deps.Store.GetSections(r.Context(), job.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get sections: %v", err)
			return
		}
		if sections == nil {
			sections = []document.Section{}
		}
		writeJSON(w, http.StatusOK, sections)
	}
}

func handleChangeLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, deps)
		if !ok {
			return
		}
		entries, err := deps.Store.ListChangeLog(r.Context(), job.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get change log: %v", err)
			return
		}
		if entries == nil {
			entries = []document.ChangeLogEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetAudit(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no audit record for this job")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get audit: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "md"
		}
		if format != "md" && format != "html" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "format must be md or html")
			return
		}
		job, ok := loadJob(w, r, deps)
		if !ok {
			return
		}
		md, err := Markdown(r.Context(), deps.Store, job)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to assemble document: %v", err)
			return
		}

		if format == "md" {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.Write([]byte(md))
			return
		}
		out, err := document.RenderHTML(md)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(out))
	}
}

// Markdown returns the job's assembled draft, or assembles the current
// sections when no draft was stored yet.
func Markdown(ctx context.Context, store *storage.Store, job document.Job) (string, error) {
	if job.Draft != "" {
		return job.Draft, nil
	}
	sections, err := store.GetSections(ctx, job.ID)
	if err != nil {
		return "", err
	}
	return document.Assemble(job.Title, sections), nil
}

func loadJob(w http.ResponseWriter, r *http.Request, deps Deps) (document.Job, bool) {
	job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "job not found")
		return document.Job{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
		return document.Job{}, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
