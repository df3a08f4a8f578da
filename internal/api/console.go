package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/pullqueue"
	"github.com/kalambet/ollamanager/internal/settings"
	"github.com/kalambet/ollamanager/internal/storage"
)

const maxRequestBodySize = 4 << 20 // 4MB

// ConsoleDeps holds what the console routes need.
type ConsoleDeps struct {
	Client          *ollama.Client
	Settings        *settings.Manager
	Store           *storage.Store
	Token           string // optional; when set, every route requires it as a bearer token
	SaveHistory     bool
	PullMaxAttempts int
}

// NewConsoleHandler returns the router served under /console.
func NewConsoleHandler(deps ConsoleDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/overview", handleOverview(deps))
	r.Get("/version", handleVersion(deps))
	r.Get("/running", handleRunning(deps))
	r.Get("/models", handleListModels(deps))
	// Model names may contain '/' (namespace/model:tag), hence the wildcard.
	r.Get("/models/*", handleShowModel(deps))
	r.Delete("/models/*", handleDeleteModel(deps))

	r.Post("/pull", handlePull(deps))
	r.Post("/chat", handleChat(deps))

	r.Get("/settings", handleGetSettings(deps))
	r.Put("/settings", handlePutSettings(deps))
	r.Post("/settings/test", handleTestConnection(deps))

	r.Get("/pulls", handleListPulls(deps))
	r.Post("/pulls", handleEnqueuePull(deps))
	r.Get("/pulls/{id}", handleGetPull(deps))

	r.Get("/conversations", handleListConversations(deps))
	r.Get("/conversations/{id}", handleGetConversation(deps))
	r.Delete("/conversations/{id}", handleDeleteConversation(deps))

	return r
}

// HealthHandler reports whether this process is up and whether Ollama answers.
func HealthHandler(client *ollama.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"ollama": client.IsRunning(r.Context()),
		})
	}
}

func handleOverview(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov, err := deps.Client.Overview(r.Context())
		if err != nil {
			upstreamError(w, r, err)
			return
		}
		if ov.Models == nil {
			ov.Models = []ollama.ModelInfo{}
		}
		if ov.Running == nil {
			ov.Running = []ollama.RunningModel{}
		}
		writeJSON(w, http.StatusOK, ov)
	}
}

func handleVersion(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Client.Version(r.Context())
		if err != nil {
			upstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"version": v})
	}
}

func handleListModels(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Client.ListModels(r.Context())
		if err != nil {
			upstreamError(w, r, err)
			return
		}
		if models == nil {
			models = []ollama.ModelInfo{}
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func handleRunning(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running, err := deps.Client.RunningModels(r.Context())
		if err != nil {
			upstreamError(w, r, err)
			return
		}
		if running == nil {
			running = []ollama.RunningModel{}
		}
		writeJSON(w, http.StatusOK, running)
	}
}

func modelParam(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func handleShowModel(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := modelParam(r)
		if name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model name is required")
			return
		}
		d, err := deps.Client.ShowModel(r.Context(), name)
		if err != nil {
			upstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleDeleteModel(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := modelParam(r)
		if name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model name is required")
			return
		}
		if err := deps.Client.DeleteModel(r.Context(), name); err != nil {
			upstreamError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetSettings(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"baseUrl":    deps.Settings.Get().BaseURL,
			"firstVisit": deps.Settings.IsFirstVisit(),
		})
	}
}

func handlePutSettings(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s settings.Settings
		if !decodeBody(w, r, &s) {
			return
		}
		saved, err := deps.Settings.Save(s)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func handleTestConnection(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settings.Settings
		if !decodeBody(w, r, &req) {
			return
		}
		if req.BaseURL == "" {
			req.BaseURL = deps.Settings.Get().BaseURL
		}
		rep, err := settings.TestConnection(r.Context(), req.BaseURL)
		if err != nil {
			var oe *ollama.Error
			if !errors.As(err, &oe) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			upstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

type enqueuePullRequest struct {
	Model string `json:"model"`
}

func handleEnqueuePull(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueuePullRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		id, err := pullqueue.Enqueue(deps.Store, req.Model, deps.PullMaxAttempts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue pull: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": storage.JobPending})
	}
}

// pullJobView is the JSON shape of a queued pull.
type pullJobView struct {
	ID        string  `json:"id"`
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Progress  string  `json:"progress_status,omitempty"`
	Completed int64   `json:"completed,omitempty"`
	Total     int64   `json:"total,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func toPullJobView(j storage.Job) pullJobView {
	var p pullqueue.Payload
	_ = json.Unmarshal([]byte(j.PayloadJSON), &p)
	v := pullJobView{
		ID:        j.ID,
		Model:     p.Model,
		Status:    j.Status,
		Progress:  j.ProgressStatus,
		Completed: j.ProgressCompleted,
		Total:     j.ProgressTotal,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		CreatedAt: j.CreatedAt.Format(timeFormat),
		UpdatedAt: j.UpdatedAt.Format(timeFormat),
	}
	if pct, ok := (ollama.PullProgress{Total: j.ProgressTotal, Completed: j.ProgressCompleted}).Percent(); ok {
		v.Percent = pct
	}
	return v
}

func handleListPulls(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		jobs, err := deps.Store.ListJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pulls: %v", err)
			return
		}
		views := make([]pullJobView, 0, len(jobs))
		for _, j := range jobs {
			if j.Type == pullqueue.JobType {
				views = append(views, toPullJobView(j))
			}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetPull(deps ConsoleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) || (err == nil && j.Type != pullqueue.JobType) {
			httpError(w, http.StatusNotFound, "not_found", "pull not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get pull: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toPullJobView(j))
	}
}

// decodeBody reads a size-limited JSON body into v, answering 400 on failure.
// An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// upstreamError maps a client failure to a console response. Ollama's 4xx
// answers pass through; everything else is a bad gateway.
func upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *ollama.Error
	if !errors.As(err, &oe) {
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
		return
	}
	switch oe.Kind {
	case ollama.KindStatus:
		code := http.StatusBadGateway
		if oe.StatusCode >= 400 && oe.StatusCode < 500 {
			code = oe.StatusCode
		}
		msg := oe.Detail
		if msg == "" {
			msg = oe.Error()
		}
		httpError(w, code, "upstream_error", "%s", msg)
	case ollama.KindConnectivity:
		httpError(w, http.StatusBadGateway, "connection_error", "ollama is unreachable: %v", oe.Err)
	case ollama.KindCancelled:
		if r.Context().Err() != nil {
			// The caller has gone away; nobody is reading.
			return
		}
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
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
