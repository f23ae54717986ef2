// Package api exposes the pipeline over HTTP: submit, poll, cancel, and
// inspect. Submission is asynchronous; callers poll task status for results.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/monitoring"
	"github.com/v-shaal/arbitageX/internal/orchestrator"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// Server wires the HTTP routes to the dispatcher and the task store.
type Server struct {
	store      taskstore.Store
	dispatcher *orchestrator.Dispatcher
	collector  *monitoring.Collector
	router     chi.Router
}

// NewServer builds the router.
func NewServer(store taskstore.Store, d *orchestrator.Dispatcher) *Server {
	s := &Server{
		store:      store,
		dispatcher: d,
		collector:  monitoring.NewCollector(store),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/pipelines", s.handleSubmit)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/result", s.handleGetResult)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Get("/groups/{id}", s.handleGetGroup)
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

type submitRequest struct {
	Company string `json:"company"`
	URL     string `json:"url,omitempty"`
	Query   string `json:"query,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.dispatcher.Submit(r.Context(), model.MasterInput{
		Company: req.Company,
		URL:     req.URL,
		Query:   req.Query,
	})
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		zap.L().Error("api: submit pipeline", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  string(model.StatusRunning),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleGetResult returns the task output once the task completed. Pending
// and running tasks answer 409 so pollers can distinguish "not yet" from
// "no such task".
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	switch t.Status {
	case model.StatusCompleted:
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": t.ID,
			"status":  t.Status,
			"output":  json.RawMessage(t.Output),
		})
	case model.StatusFailed, model.StatusCancelled:
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": t.ID,
			"status":  t.Status,
			"error":   t.Error,
		})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{
			"task_id": t.ID,
			"status":  t.Status,
			"error":   "task has not finished",
		})
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := taskstore.TaskFilter{
		Status: model.TaskStatus(q.Get("status")),
		Kind:   model.TaskKind(q.Get("kind")),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	} else {
		filter.Limit = 100
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		zap.L().Error("api: cancel task", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancellation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  string(model.StatusCancelled),
	})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tasks, err := s.store.ListByGroup(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list group", zap.String("group_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": id, "tasks": tasks})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		zap.L().Error("api: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		zap.L().Error("api: get task", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
