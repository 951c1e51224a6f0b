package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minghsu/prodsync/internal/product"
)

// PutSyncLog inserts or replaces a sync log. The engine writes the log
// once at run start (status running) and again at each terminal
// transition, so replace semantics are what we want.
func (s *Store) PutSyncLog(ctx context.Context, log *product.SyncLog) error {
	doc, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("store: encoding sync log %s: %w", log.ID, err)
	}

	var endTime any
	if log.EndTime != nil {
		endTime = log.EndTime.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (id, mode, status, start_time, end_time, doc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			doc = excluded.doc`,
		log.ID, string(log.Mode), string(log.Status),
		log.StartTime.UnixMilli(), endTime, string(doc),
	)
	if err != nil {
		return fmt.Errorf("store: writing sync log %s: %w", log.ID, err)
	}

	return nil
}

// GetSyncLog returns one sync log by id, or ErrNotFound.
func (s *Store) GetSyncLog(ctx context.Context, id string) (*product.SyncLog, error) {
	var doc string

	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sync_logs WHERE id = ?`, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading sync log %s: %w", id, err)
	}

	return decodeSyncLog(doc)
}

// SyncLogFilter narrows ListSyncLogs. Zero values mean "no constraint".
type SyncLogFilter struct {
	Status   product.SyncStatus
	Mode     product.SyncMode
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int // 1-based
	PageSize int
}

// ListSyncLogs returns a filtered, paged history ordered by start time
// descending, plus the total match count.
func (s *Store) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]*product.SyncLog, int, error) {
	var (
		conds []string
		args  []any
	)

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	if f.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, string(f.Mode))
	}

	if f.DateFrom != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, f.DateFrom.UnixMilli())
	}

	if f.DateTo != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, f.DateTo.UnixMilli())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_logs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: counting sync logs: %w", err)
	}

	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	page := f.Page
	if page < 1 {
		page = 1
	}

	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM sync_logs`+where+` ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: listing sync logs: %w", err)
	}
	defer rows.Close()

	var out []*product.SyncLog

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, fmt.Errorf("store: scanning sync log: %w", err)
		}

		log, err := decodeSyncLog(doc)
		if err != nil {
			return nil, 0, err
		}

		out = append(out, log)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterating sync logs: %w", err)
	}

	return out, total, nil
}

func decodeSyncLog(doc string) (*product.SyncLog, error) {
	var log product.SyncLog
	if err := json.Unmarshal([]byte(doc), &log); err != nil {
		return nil, fmt.Errorf("store: decoding sync log doc: %w", err)
	}

	return &log, nil
}
