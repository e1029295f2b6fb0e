package server

import (
	"net/http"
	"time"

	"github.com/BadgerOps/localconsole/internal/connectivity"
	"github.com/BadgerOps/localconsole/internal/health"
	"github.com/BadgerOps/localconsole/internal/scheduler"
	"github.com/BadgerOps/localconsole/internal/store"
)

// handleHealthz answers the console's own /health
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the response from GET /api/status.
type StatusResponse struct {
	Connectivity connectivity.State     `json:"connectivity"`
	Services     []health.ServiceStatus `json:"services"`
	Backups      int                    `json:"backups"`
	Profiles     int                    `json:"profiles"`
	Schedule     []scheduler.Job        `json:"schedule,omitempty"`
	SyncRunning  bool                   `json:"sync_running"`
	LastSync     *syncRunJSON           `json:"last_sync,omitempty"`
	ServerTime   time.Time              `json:"server_time"`
}

// handleStatus returns an overview of every service
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Connectivity: s.svc.Connectivity.State(),
		Services:     s.svc.Health.Statuses(),
		ServerTime:   time.Now().UTC(),
	}

	if history, err := s.svc.Backups.GetBackupHistory(); err == nil {
		resp.Backups = len(history)
	} else {
		s.logger.Warn("failed to count backups", "error", err)
	}
	if profiles, err := s.svc.Backups.ListProfiles(); err == nil {
		resp.Profiles = len(profiles)
	} else {
		s.logger.Warn("failed to count profiles", "error", err)
	}
	if s.svc.Scheduler != nil {
		resp.Schedule = s.svc.Scheduler.Jobs()
	}
	if s.svc.Sync != nil {
		resp.SyncRunning = s.svc.Sync.Running()
		if runs, err := s.svc.Sync.History(1); err == nil && len(runs) > 0 {
			last := toSyncRunJSON(runs[0])
			resp.LastSync = &last
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Endpoints
// ============================================================================

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Resolver.Table(r.Context()))
}

func (s *Server) handleResolveEndpoint(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	url, source, err := s.svc.Resolver.ResolveSource(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "url": url, "source": source})
}

type setEndpointRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req setEndpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.Resolver.Set(key, req.URL); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("endpoint override set", "key", key, "url", req.URL)
	s.handleResolveEndpoint(w, r)
}

func (s *Server) handleUnsetEndpoint(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.svc.Resolver.Unset(key); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("endpoint override removed", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Connectivity
// ============================================================================

// handleGetConnectivity returns the current state. With ?wait=<duration> it
// holds the request until the state changes or the wait elapses.
func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			jsonError(w, http.StatusBadRequest, "invalid wait duration: "+raw)
			return
		}
		if wait > maxLongPoll {
			wait = maxLongPoll
		}

		changed := s.svc.Connectivity.Wait()
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-changed:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}

	writeJSON(w, http.StatusOK, s.svc.Connectivity.State())
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode, err := connectivity.ParseMode(req.Mode)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Connectivity.SetMode(mode); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Connectivity.State())
}

type connectivityEventRequest struct {
	Event string `json:"event"`
}

// handleConnectivityEvent lets the host report a network transition
func (s *Server) handleConnectivityEvent(w http.ResponseWriter, r *http.Request) {
	var req connectivityEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := connectivity.ParseEvent(req.Event)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.svc.Connectivity.HandleEvent(ev)
	writeJSON(w, http.StatusOK, s.svc.Connectivity.State())
}

// ============================================================================
// Service health
// ============================================================================

func (s *Server) handleServiceStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health.Statuses())
}

func (s *Server) handleCheckServices(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("service"); name != "" {
		writeJSON(w, http.StatusOK, []health.ServiceStatus{s.svc.Health.Check(r.Context(), name)})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Health.CheckAll(r.Context()))
}

// ============================================================================
// Reconciliation
// ============================================================================

type syncRunJSON struct {
	ID        int64      `json:"id"`
	Endpoint  string     `json:"endpoint"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func toSyncRunJSON(run store.SyncRun) syncRunJSON {
	out := syncRunJSON{
		ID:        run.ID,
		Endpoint:  run.Endpoint,
		Mode:      run.Mode,
		Status:    run.Status,
		Error:     run.ErrorMessage,
		StartTime: run.StartTime,
	}
	if !run.EndTime.IsZero() {
		end := run.EndTime
		out.EndTime = &end
	}
	return out
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, s.svc.Sync != nil, "sync") {
		return
	}
	run, err := s.svc.Sync.RunOnce(r.Context())
	if err != nil {
		if run != nil {
			writeJSON(w, http.StatusBadGateway, toSyncRunJSON(*run))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncRunJSON(*run))
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, s.svc.Sync != nil, "sync") {
		return
	}
	runs, err := s.svc.Sync.History(50)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]syncRunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, toSyncRunJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}
