// Package httpapi exposes the registry and the sync trigger for inspection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/contextfile/internal/consumer"
	"github.com/agentworkforce/contextfile/internal/ctxfile"
)

// SnapshotProvider is the read side of the registry.
type SnapshotProvider interface {
	Snapshot() consumer.Snapshot
}

// SyncFunc runs one sync cycle on demand. Wired to the engine's Sync.
type SyncFunc func(ctx context.Context) (ctxfile.SyncResult, error)

type ServerConfig struct {
	// Retention bounds what /v1/snapshot returns by default; per-request
	// maxConsumers/maxEndpoints query params narrow it further.
	Retention consumer.RetentionPolicy
}

type Server struct {
	registry SnapshotProvider
	syncFn   SyncFunc
	cfg      ServerConfig
	router   chi.Router
}

func NewServer(registry SnapshotProvider, syncFn SyncFunc, cfg ServerConfig) *Server {
	s := &Server{
		registry: registry,
		syncFn:   syncFn,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/v1/snapshot", s.handleSnapshot)
	r.Post("/v1/sync", s.handleSync)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "no_registry", "no registry attached")
		return
	}
	policy := s.cfg.Retention
	if v, ok := intQuery(r, "maxConsumers"); ok {
		policy.MaxConsumers = v
	}
	if v, ok := intQuery(r, "maxEndpoints"); ok {
		policy.MaxEndpointsPerConsumer = v
	}
	writeJSON(w, http.StatusOK, policy.Filter(s.registry.Snapshot()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncFn == nil {
		writeError(w, http.StatusServiceUnavailable, "no_sync", "sync is not configured")
		return
	}
	result, err := s.syncFn(r.Context())
	switch {
	case errors.Is(err, ctxfile.ErrFileFormat):
		writeError(w, http.StatusConflict, "file_format", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   result.Status,
			"path":     result.Path,
			"syncedAt": result.SyncedAt,
		})
	}
}

func intQuery(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
