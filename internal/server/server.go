package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/localconsole/internal/backup"
	"github.com/BadgerOps/localconsole/internal/config"
	"github.com/BadgerOps/localconsole/internal/connectivity"
	"github.com/BadgerOps/localconsole/internal/endpoint"
	"github.com/BadgerOps/localconsole/internal/health"
	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/reconcile"
	"github.com/BadgerOps/localconsole/internal/scheduler"
	"github.com/BadgerOps/localconsole/internal/store"
)

// maxLongPoll caps the wait parameter of GET /api/connectivity
const maxLongPoll = 60 * time.Second

// Services are the components the API exposes. Scheduler and Sync may be nil
// when disabled in config.
type Services struct {
	Store        *store.Store
	Resolver     *endpoint.Resolver
	Connectivity *connectivity.Controller
	Health       *health.Monitor
	Backups      *backup.Engine
	Scheduler    *scheduler.Scheduler
	Sync         *reconcile.Coordinator
}

// Server is the local JSON API over the console services.
type Server struct {
	svc        Services
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(svc Services, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		config: cfg,
		logger: logger,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: maxLongPoll + 15*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed, instrumented handler
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(func(r *http.Request) string { return r.Pattern }, s.setupRoutes())
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Endpoints
	mux.HandleFunc("GET /api/endpoints", s.handleListEndpoints)
	mux.HandleFunc("GET /api/endpoints/{key}", s.handleResolveEndpoint)
	mux.HandleFunc("PUT /api/endpoints/{key}", s.handleSetEndpoint)
	mux.HandleFunc("DELETE /api/endpoints/{key}", s.handleUnsetEndpoint)

	// Connectivity
	mux.HandleFunc("GET /api/connectivity", s.handleGetConnectivity)
	mux.HandleFunc("PUT /api/connectivity/mode", s.handleSetMode)
	mux.HandleFunc("POST /api/connectivity/events", s.handleConnectivityEvent)

	// Service health
	mux.HandleFunc("GET /api/services", s.handleServiceStatuses)
	mux.HandleFunc("POST /api/services/check", s.handleCheckServices)

	// Backups
	mux.HandleFunc("GET /api/backups", s.handleListBackups)
	mux.HandleFunc("POST /api/backups", s.handleCreateBackup)
	mux.HandleFunc("GET /api/backups/{id}/download", s.handleDownloadBackup)
	mux.HandleFunc("POST /api/backups/{id}/restore", s.handleRestoreBackup)
	mux.HandleFunc("POST /api/backups/{id}/export", s.handleExportBackup)
	mux.HandleFunc("DELETE /api/backups/{id}", s.handleDeleteBackup)
	mux.HandleFunc("POST /api/import", s.handleImport)
	mux.HandleFunc("POST /api/verify", s.handleVerify)

	// Backup profiles
	mux.HandleFunc("GET /api/profiles", s.handleListProfiles)
	mux.HandleFunc("POST /api/profiles", s.handleCreateProfile)
	mux.HandleFunc("GET /api/profiles/{id}", s.handleGetProfile)
	mux.HandleFunc("PUT /api/profiles/{id}", s.handleUpdateProfile)
	mux.HandleFunc("DELETE /api/profiles/{id}", s.handleDeleteProfile)
	mux.HandleFunc("POST /api/profiles/{id}/run", s.handleRunProfile)
	mux.HandleFunc("GET /api/schedule", s.handleSchedule)

	// Reconciliation
	mux.HandleFunc("POST /api/sync", s.handleSyncNow)
	mux.HandleFunc("GET /api/sync/runs", s.handleSyncRuns)

	// Dataset
	mux.HandleFunc("GET /api/records", s.handleListTables)
	mux.HandleFunc("GET /api/records/{table}", s.handleListRecords)
	mux.HandleFunc("GET /api/records/{table}/{id}", s.handleGetRecord)
	mux.HandleFunc("PUT /api/records/{table}/{id}", s.handlePutRecord)
	mux.HandleFunc("DELETE /api/records/{table}/{id}", s.handleDeleteRecord)

	return mux
}
