// Package api exposes the engine's control operations over HTTP. Task
// registration stays in code (handlers are Go values), so the surface is
// read-and-control only: status, overview, enable/disable, manual trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskmill/internal/engine"
	"taskmill/internal/monitor"
	logx "taskmill/pkg/logx"
)

type Server struct {
	engine  *engine.Service
	monitor *monitor.Service
	log     logx.Logger

	srv *http.Server
}

func NewServer(addr string, eng *engine.Service, mon *monitor.Service, log logx.Logger) *Server {
	return NewServerWithDebug(addr, eng, mon, log, false)
}

// NewServerWithDebug optionally mounts net/http/pprof under /debug/pprof.
// Only enable when the listener is bound to loopback.
func NewServerWithDebug(addr string, eng *engine.Service, mon *monitor.Service, log logx.Logger, enableDebug bool) *Server {
	s := &Server{
		engine:  eng,
		monitor: mon,
		log:     log.With(logx.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/api/overview", s.overview)
	r.Get("/api/system", s.system)
	r.Get("/api/tasks/{id}", s.taskStatus)
	r.Post("/api/tasks/{id}/trigger", s.triggerTask)
	r.Post("/api/tasks/{id}/enable", s.enableTask)
	r.Post("/api/tasks/{id}/disable", s.disableTask)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are logged, not fatal: the engine keeps running without its HTTP
// surface.
func (s *Server) Start() {
	go func() {
		s.log.Info("http listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) overview(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetSystemOverview())
}

func (s *Server) system(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		http.Error(w, "monitor not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.SnapshotState())
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.engine.GetTaskStatus(id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type triggerResp struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := s.engine.TriggerTask(id)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTask) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResp{ExecutionID: handle.ExecutionID, TaskID: handle.TaskID})
}

func (s *Server) enableTask(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, true)
}

func (s *Server) disableTask(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, false)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = s.engine.EnableTask(id)
	} else {
		err = s.engine.DisableTask(id)
	}
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
