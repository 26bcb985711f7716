// Package api implements the task REST endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	buildinfo "github.com/luanle13/ancaptruyenlamvideo/internal/version"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// TaskService is the task lifecycle surface the API exposes.
type TaskService interface {
	CreateTask(sourceURL string) (*task.Task, error)
	Get(id string) (*task.Task, error)
	List(filter task.Filter) ([]*task.Task, error)
	Cancel(id string) (*task.Task, error)
}

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks   TaskService
	Files   *artifact.Store
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers the protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts", h.listArtifacts)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts/{name...}", h.getArtifact)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StatusOf maps a task error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConcurrencyViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeTaskError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("api request failed", slog.Any("err", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if a := q.Get("active"); a != "" {
		filter.Active, _ = strconv.ParseBool(a)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CreateRequest is the body accepted by POST /api/tasks.
type CreateRequest struct {
	SourceURL string `json:"source_url"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.CreateTask(req.SourceURL)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// cancelTask answers 202 when cancellation was requested and 200 when the
// task had already finished.
func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Cancel(r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	if t.Status.Terminal() {
		writeJSON(w, http.StatusOK, t)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// --- Artifact handlers ---

func (h *Handlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Tasks.Get(id); err != nil {
		h.writeTaskError(w, err)
		return
	}
	names, err := h.Files.List(id)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handlers) getArtifact(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.Files.Open(r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": int64(time.Since(h.StartAt).Seconds()),
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    h.Version,
		"commit":     buildinfo.Commit,
		"build_date": buildinfo.BuildDate,
	})
}
