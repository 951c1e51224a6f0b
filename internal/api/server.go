// Package api exposes the sync service over HTTP: lifecycle control and
// history for sync runs, read access to the product catalog, health
// probes, and a WebSocket stream of live progress events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/minghsu/prodsync/internal/engine"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/progress"
	"github.com/minghsu/prodsync/internal/store"
)

// Catalog is the read surface over persisted products and sync history.
// Satisfied by *store.Store.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*product.Product, error)
	ListProducts(ctx context.Context, f store.ProductFilter) ([]*product.Product, int, error)
	ListImages(ctx context.Context, productID string) ([]*product.Image, error)
	GetSyncLog(ctx context.Context, id string) (*product.SyncLog, error)
	ListSyncLogs(ctx context.Context, f store.SyncLogFilter) ([]*product.SyncLog, int, error)
	Ping(ctx context.Context) error
}

// ObjectStore is the image backend surface the API needs: a health
// probe and the canonical rewrite for stored image URLs. Satisfied by
// *objstore.ObjectStore.
type ObjectStore interface {
	Healthy(ctx context.Context) error
	CanonicalizeURL(raw string) string
}

// ScheduleInfo reports the registered cron triggers for the health
// endpoint. Satisfied by *scheduler.Scheduler.
type ScheduleInfo interface {
	Triggers() int
}

// Server wires the HTTP handlers to the engine, catalog, and bus.
type Server struct {
	engine   *engine.Engine
	catalog  Catalog
	objstore ObjectStore
	sched    ScheduleInfo
	bus      *progress.Bus
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a Server listening on addr. sched may be nil when no
// scheduler runs (the one-shot CLI path).
func New(
	addr string,
	eng *engine.Engine,
	catalog Catalog,
	objstore ObjectStore,
	sched ScheduleInfo,
	bus *progress.Bus,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:   eng,
		catalog:  catalog,
		objstore: objstore,
		sched:    sched,
		bus:      bus,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Router builds the route table. Exposed separately so tests can drive
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/sync/start", s.handleSyncStart).Methods(http.MethodPost)
	v1.HandleFunc("/sync/current", s.handleSyncCurrent).Methods(http.MethodGet)
	v1.HandleFunc("/sync/history", s.handleSyncHistory).Methods(http.MethodGet)
	v1.HandleFunc("/sync/progress", s.handleSyncProgress).Methods(http.MethodGet)
	v1.HandleFunc("/sync/{id}/pause", s.handleSyncPause).Methods(http.MethodPost)
	v1.HandleFunc("/sync/{id}/resume", s.handleSyncResume).Methods(http.MethodPost)
	v1.HandleFunc("/sync/{id}/cancel", s.handleSyncCancel).Methods(http.MethodPost)
	v1.HandleFunc("/sync/{id}", s.handleSyncGet).Methods(http.MethodGet)

	v1.HandleFunc("/products", s.handleProductList).Methods(http.MethodGet)
	v1.HandleFunc("/products/{id}", s.handleProductGet).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})

	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// healthReport is the non-gating dependency status block served by
// /health. Always 200: degraded dependencies are reported, not fatal,
// so a monitoring scrape never mistakes degradation for process death.
type healthReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

// handleHealth reports process liveness plus the state of every
// dependency: document store, object store, upstream, and scheduler.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := map[string]string{
		"store":       "ok",
		"objectStore": "ok",
	}
	status := "ok"

	if err := s.catalog.Ping(ctx); err != nil {
		deps["store"] = err.Error()
		status = "degraded"
	}

	if err := s.objstore.Healthy(ctx); err != nil {
		deps["objectStore"] = err.Error()
		status = "degraded"
	}

	deps["upstream"] = s.upstreamStatus(ctx)

	switch {
	case s.sched == nil || s.sched.Triggers() == 0:
		deps["scheduler"] = "idle"
	default:
		deps["scheduler"] = fmt.Sprintf("%d triggers", s.sched.Triggers())
	}

	s.respond(w, http.StatusOK, healthReport{Status: status, Dependencies: deps})
}

// upstreamStatus reports upstream reachability from the most recent
// sync outcome instead of probing the table API live, which would burn
// a token exchange on every scrape.
func (s *Server) upstreamStatus(ctx context.Context) string {
	if log := s.engine.Current(); log != nil {
		if log.Status == product.SyncFailed {
			return "degraded: last sync failed"
		}

		return "ok: sync " + string(log.Status)
	}

	logs, _, err := s.catalog.ListSyncLogs(ctx, store.SyncLogFilter{Page: 1, PageSize: 1})
	if err != nil || len(logs) == 0 {
		return "unknown: no syncs recorded"
	}

	if logs[0].Status == product.SyncFailed {
		return "degraded: last sync failed"
	}

	return "ok"
}

// handleReady is the readiness probe: dependencies answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "objectStore": "ok"}
	healthy := true

	if err := s.catalog.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}

	if err := s.objstore.Healthy(ctx); err != nil {
		checks["objectStore"] = err.Error()
		healthy = false
	}

	if !healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(envelope{
			Success:   false,
			Data:      checks,
			Error:     &apiError{Code: CodeUpstreamUnavailable, Message: "dependency check failed"},
			Timestamp: time.Now().UTC(),
		})

		return
	}

	s.respond(w, http.StatusOK, checks)
}
