package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/minghsu/prodsync/internal/engine"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/store"
)

// startRequest is the body of POST /sync/start.
type startRequest struct {
	Mode    product.SyncMode    `json:"mode"`
	Options product.SyncOptions `json:"options"`
}

// maxHistoryPageSize caps one history page.
const maxHistoryPageSize = 200

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}

	if req.Mode == "" {
		req.Mode = product.ModeIncremental
	}

	id, err := s.engine.Start(req.Mode, req.Options)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrSyncActive):
			s.respondError(w, http.StatusConflict, CodeConflict, err.Error())
		default:
			s.respondError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		}

		return
	}

	s.respond(w, http.StatusOK, map[string]string{
		"syncId": id,
		"status": string(product.SyncPending),
	})
}

func (s *Server) handleSyncPause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Pause, product.SyncPaused)
}

func (s *Server) handleSyncResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Resume, product.SyncRunning)
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Cancel, product.SyncCancelled)
}

// lifecycle applies one engine transition and maps its sentinel errors
// onto HTTP statuses.
func (s *Server) lifecycle(
	w http.ResponseWriter, r *http.Request,
	op func(id string) error, target product.SyncStatus,
) {
	id := mux.Vars(r)["id"]

	if err := op(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrNoSuchRun):
			s.respondError(w, http.StatusNotFound, CodeNotFound, err.Error())
		case errors.Is(err, engine.ErrWrongState):
			s.respondError(w, http.StatusConflict, CodeConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}

		return
	}

	s.respond(w, http.StatusOK, map[string]string{
		"syncId": id,
		"status": string(target),
	})
}

// handleSyncCurrent returns the active run snapshot. No active run is
// not an error: the data field is null so pollers need no special case.
func (s *Server) handleSyncCurrent(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.engine.Current())
}

// handleSyncGet resolves a run by id, preferring the live in-memory view
// over the persisted row so an active run shows current counters.
func (s *Server) handleSyncGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if log := s.engine.Snapshot(id); log != nil {
		s.respond(w, http.StatusOK, log)
		return
	}

	log, err := s.catalog.GetSyncLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, CodeNotFound, "no such sync: "+id)
			return
		}

		s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())

		return
	}

	s.respond(w, http.StatusOK, log)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.SyncLogFilter{
		Status:   product.SyncStatus(q.Get("status")),
		Mode:     product.SyncMode(q.Get("mode")),
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("pageSize"), 20),
	}

	if f.PageSize > maxHistoryPageSize {
		f.PageSize = maxHistoryPageSize
	}

	var err error

	f.DateFrom, err = queryTime(q.Get("dateFrom"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid dateFrom: "+err.Error())
		return
	}

	f.DateTo, err = queryTime(q.Get("dateTo"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid dateTo: "+err.Error())
		return
	}

	logs, total, err := s.catalog.ListSyncLogs(r.Context(), f)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	s.respond(w, http.StatusOK, paged{
		Items:    logs,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}

	return n
}

// queryTime parses an RFC 3339 timestamp or a bare date.
func queryTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}

	return nil, errors.New("want RFC 3339 or YYYY-MM-DD")
}
