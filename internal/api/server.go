// Package api exposes the policy engine over HTTP: REST mutations, a
// websocket event stream and Prometheus metrics. Authentication happens at
// the platform gateway; this server trusts the forwarded identity headers.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackhaven/warden/internal/config"
	"github.com/stackhaven/warden/internal/engine"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/metrics"
)

// Server is the HTTP front of the policy engine.
type Server struct {
	engine  *engine.Engine
	cfg     *config.Config
	log     *logging.Logger
	ws      *WSManager
	httpSrv *http.Server
	metrics *metrics.Registry
	started time.Time
}

// NewServer builds a server around an engine.
func NewServer(eng *engine.Engine, cfg *config.Config, log *logging.Logger) *Server {
	return &Server{
		engine:  eng,
		cfg:     cfg,
		log:     log.WithComponent("api"),
		metrics: metrics.Get(),
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleEventsWS)

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	handle("POST /api/v1/departments", s.handleCreateDepartment)
	handle("GET /api/v1/departments/{id}", s.handleDepartmentState)
	handle("GET /api/v1/departments/{id}/rules", s.handleDepartmentRules)
	handle("POST /api/v1/departments/{id}/rules", s.handleAddDepartmentRule)
	handle("POST /api/v1/departments/{id}/flush", s.handleFlushDepartment)
	handle("PUT /api/v1/departments/{id}/templates/{templateId}", s.handleApplyTemplate)
	handle("DELETE /api/v1/departments/{id}/templates/{templateId}", s.handleRemoveTemplate)

	handle("POST /api/v1/templates", s.handleCreateTemplate)
	handle("GET /api/v1/templates", s.handleListTemplates)

	handle("POST /api/v1/machines", s.handleCreateMachine)
	handle("GET /api/v1/machines/{id}/rules", s.handleEffectiveRules)
	handle("GET /api/v1/machines/{id}/rules/own", s.handleOwnRules)
	handle("POST /api/v1/machines/{id}/rules", s.handleAddRule)
	handle("POST /api/v1/machines/{id}/rules/batch", s.handleAddRules)
	handle("POST /api/v1/machines/{id}/rules/range", s.handleAddRangeRule)
	handle("DELETE /api/v1/machines/{id}/rules/{ruleId}", s.handleRemoveRule)
	handle("GET /api/v1/machines/{id}/analysis", s.handleAnalyze)
	handle("POST /api/v1/machines/{id}/optimize", s.handleOptimize)
	handle("POST /api/v1/machines/{id}/backups", s.handleCreateBackup)
	handle("GET /api/v1/machines/{id}/backups", s.handleListBackups)
	handle("POST /api/v1/machines/{id}/backups/{backupId}/restore", s.handleRestoreBackup)

	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()
	s.ws = NewWSManager(ctx, s.engine.Hub(), s.log)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", s.cfg.Listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics per route pattern.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordAPIRequest(r.Method, pattern, rec.status, time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started)
	s.metrics.Uptime.Set(uptime.Seconds())
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime.String(),
	})
}
