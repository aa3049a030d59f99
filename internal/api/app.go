package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/handler"
	"github.com/kalambet/datamachine/internal/job"
	"github.com/kalambet/datamachine/internal/log"
	"github.com/kalambet/datamachine/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Jobs is the orchestrator surface the API exposes.
type Jobs interface {
	Trigger(ctx context.Context, flowID string) (storage.Job, error)
	Status(ctx context.Context, id string) (job.Snapshot, error)
	List(ctx context.Context, status string, limit int) ([]job.Snapshot, error)

	SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error)
	Flow(ctx context.Context, id string) (flow.Flow, error)
	Flows(ctx context.Context) ([]flow.Flow, error)
}

type AppDeps struct {
	Jobs     Jobs
	Registry *handler.Registry
	Token    string
	Logger   *slog.Logger
}

// TriggerResponse is returned when a job is queued.
type TriggerResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// StatusQueued is the status reported by a successful trigger.
const StatusQueued = "processing_queued"

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Slug  string     `json:"slug"`
	Type  string     `json:"type"`
	Label string     `json:"label,omitempty"`
	Tools []ToolInfo `json:"tools"`
}

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/flows", handleListFlows(deps))
		r.Get("/flows/{id}", handleGetFlow(deps))
		r.Put("/flows/{id}", handlePutFlow(deps))
		r.Post("/flows/{id}/jobs", handleTrigger(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))

		r.Get("/handlers", handleListHandlers(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleTrigger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		j, err := deps.Jobs.Trigger(r.Context(), id)
		if errors.Is(err, job.ErrFlowNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "flow %s not found", id)
			return
		}
		if err != nil {
			deps.Logger.Error("trigger failed", log.FlowID(id), log.Error(err))
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, TriggerResponse{Status: StatusQueued, JobID: j.ID})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snap, err := deps.Jobs.Status(r.Context(), id)
		if errors.Is(err, job.ErrJobNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.JobPending, storage.JobProcessing, storage.JobComplete, storage.JobFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Jobs.List(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleListFlows(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flows, err := deps.Jobs.Flows(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list flows: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, flows)
	}
}

func handleGetFlow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := deps.Jobs.Flow(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, job.ErrFlowNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "flow not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get flow: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

// handlePutFlow creates or replaces a flow. The body is JSON, or YAML when
// the content type says so.
func handlePutFlow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		var f flow.Flow
		if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
			err = yaml.Unmarshal(body, &f)
		} else {
			err = json.Unmarshal(body, &f)
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid flow definition: %v", err)
			return
		}
		if f.ID != "" && f.ID != id {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "flow id %q does not match path id %q", f.ID, id)
			return
		}
		f.ID = id

		saved, err := deps.Jobs.SaveFlow(r.Context(), f)
		if kind, ok := flow.KindOf(err); ok {
			httpError(w, http.StatusUnprocessableEntity, string(kind), "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save flow: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func handleListHandlers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, describeHandlers(deps.Registry, handler.Type(r.URL.Query().Get("type"))))
	}
}

// describeHandlers lists registered handlers, optionally of one type only.
func describeHandlers(reg *handler.Registry, t handler.Type) []HandlerInfo {
	out := []HandlerInfo{}
	if reg == nil {
		return out
	}
	descs := reg.All()
	if t != "" {
		descs = reg.ByType(t)
	}
	for _, d := range descs {
		info := HandlerInfo{Slug: d.Slug, Type: string(d.Type), Label: d.Label, Tools: []ToolInfo{}}
		for _, tl := range d.Tools {
			info.Tools = append(info.Tools, ToolInfo{Name: tl.Name(), Description: tl.Definition.Description})
		}
		out = append(out, info)
	}
	return out
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
