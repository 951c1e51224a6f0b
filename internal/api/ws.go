package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/minghsu/prodsync/internal/progress"
)

// pingInterval keeps idle progress connections alive through proxies.
const pingInterval = 30 * time.Second

// handleSyncProgress upgrades to WebSocket and streams progress events.
// ?syncId selects one run; absent or "all" subscribes to every run. The
// subscription is registered before the snapshot is sent, so a client
// that connects mid-run sees current state first and misses nothing
// published after the upgrade.
func (s *Server) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("syncId")
	if filter == "" || filter == "all" {
		filter = progress.AllSyncs
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	events, unsubscribe := s.bus.Subscribe(filter)
	defer unsubscribe()

	ctx := r.Context()

	if err := s.sendSnapshot(ctx, conn, filter); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()

			if err != nil {
				return
			}

			// A single-run subscription is complete once the run ends.
			if filter != progress.AllSyncs && ev.Type == progress.TypeCompletion {
				conn.Close(websocket.StatusNormalClosure, "sync finished")
				return
			}
		}
	}
}

// sendSnapshot pushes the current run state as synthetic status and
// progress frames so late subscribers start from truth instead of
// waiting for the next live event.
func (s *Server) sendSnapshot(ctx context.Context, conn *websocket.Conn, filter string) error {
	log := s.engine.Current()
	if log == nil {
		return nil
	}

	if filter != progress.AllSyncs && filter != log.ID {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status := progress.Event{
		Type:   progress.TypeStatusChange,
		SyncID: log.ID,
		Data: progress.StatusChangeData{
			OldStatus: log.Status,
			NewStatus: log.Status,
			Message:   "snapshot",
			Timestamp: time.Now().UTC(),
		},
	}

	if err := wsjson.Write(writeCtx, conn, status); err != nil {
		return err
	}

	p := log.Progress

	var pct float64
	if p.Total > 0 {
		pct = float64(p.Current) / float64(p.Total) * 100
	}

	snap := progress.Event{
		Type:   progress.TypeProgress,
		SyncID: log.ID,
		Data: progress.ProgressData{
			Stage: p.Stage,
			Progress: progress.ProgressCounts{
				Current:    p.Current,
				Total:      p.Total,
				Percentage: pct,
			},
			CurrentOperation: p.CurrentOperation,
		},
	}

	return wsjson.Write(writeCtx, conn, snap)
}
