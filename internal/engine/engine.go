// Package engine orchestrates sync runs: it owns the run state machine,
// drives fetch → transform → diff → images → upsert, enforces the
// single-active-run invariant, and emits progress events on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/config"
	"github.com/minghsu/prodsync/internal/images"
	"github.com/minghsu/prodsync/internal/mapper"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/progress"
	"github.com/minghsu/prodsync/internal/retrier"
	"github.com/minghsu/prodsync/internal/store"
	stdsync "sync"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrSyncActive rejects a start while another run is running or paused.
	ErrSyncActive = errors.New("engine: a sync is already active")
	// ErrNoSuchRun is returned for lifecycle calls naming an unknown run.
	ErrNoSuchRun = errors.New("engine: no such run")
	// ErrWrongState rejects pause/resume calls in incompatible states.
	ErrWrongState = errors.New("engine: operation not valid in current state")
)

// terminalGrace keeps the last finished run visible through Current so
// clients that subscribe just after completion still see the outcome.
const terminalGrace = 5 * time.Second

// RecordSource lists upstream records. Satisfied by *bitable.Client.
type RecordSource interface {
	ListRecords(ctx context.Context, cursor string, pageSize int) (*bitable.RecordPage, error)
	RefreshAuth(ctx context.Context) error
}

// AttachmentFetcher runs the image pipeline. Satisfied by
// *images.Fetcher.
type AttachmentFetcher interface {
	FetchAll(ctx context.Context, reqs []images.Request, opts images.Options) []images.Result
}

// Repository is the persistence surface the engine needs. Satisfied by
// *store.Store.
type Repository interface {
	UpsertBatch(ctx context.Context, products []*product.Product, force bool) (store.BatchResult, error)
	GetDigest(ctx context.Context, productID string) (string, error)
	FindIDs(ctx context.Context, since *time.Time) (map[string]struct{}, error)
	SoftDelete(ctx context.Context, productIDs []string) error
	PutSyncLog(ctx context.Context, log *product.SyncLog) error
}

// Config wires an Engine.
type Config struct {
	Source   RecordSource
	Mapper   *mapper.Mapper
	Repo     Repository
	Fetcher  AttachmentFetcher
	Bus      *progress.Bus
	Defaults config.Sync
	Logger   *slog.Logger
}

// Engine owns the singleton current run and the driver goroutine behind
// it. All access to the current-run reference goes through the mutex;
// state transitions acquire it.
type Engine struct {
	source   RecordSource
	mapper   *mapper.Mapper
	repo     Repository
	fetcher  AttachmentFetcher
	bus      *progress.Bus
	defaults config.Sync
	logger   *slog.Logger

	mu             stdsync.Mutex
	current        *Run
	lastTerminal   *Run
	lastTerminalAt time.Time

	// baseCtx parents every run so Shutdown cancels in-flight work.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Engine{
		source:     cfg.Source,
		mapper:     cfg.Mapper,
		repo:       cfg.Repo,
		fetcher:    cfg.Fetcher,
		bus:        cfg.Bus,
		defaults:   cfg.Defaults,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Shutdown cancels any active run and stops the engine.
func (e *Engine) Shutdown() {
	e.baseCancel()
}

// NewLimiter builds a token bucket from a requests-per-second setting.
// Shared helper so main and tests size buckets identically.
func NewLimiter(rps int) *rate.Limiter {
	if rps < 1 {
		rps = 1
	}

	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Start admits a new sync run. Exactly one run may be running or paused
// at a time; a second start returns ErrSyncActive. The returned id is
// valid immediately even though the run executes asynchronously.
func (e *Engine) Start(mode product.SyncMode, opts product.SyncOptions) (string, error) {
	if !product.ValidMode(mode) {
		return "", fmt.Errorf("engine: invalid mode %q", mode)
	}

	if mode == product.ModeSelective && len(opts.ProductIDs) == 0 {
		return "", fmt.Errorf("engine: selective mode requires productIds")
	}

	e.resolveOptions(&opts)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && !e.current.Status().Terminal() {
		return "", ErrSyncActive
	}

	deadline := e.defaults.OperationDeadline
	if deadline <= 0 {
		deadline = 4 * time.Hour
	}

	runCtx, cancel := context.WithTimeout(e.baseCtx, deadline)

	id := newRunID()
	run := newRun(id, mode, opts, cancel)
	e.current = run

	e.logger.Info("sync starting",
		slog.String("sync_id", id),
		slog.String("mode", string(mode)),
		slog.Int("batch_size", opts.BatchSize),
	)

	go e.drive(runCtx, run)

	return id, nil
}

// Pause latches the named run; in-flight units finish and the driver
// blocks at the next page boundary.
func (e *Engine) Pause(id string) error {
	run, err := e.activeRun(id)
	if err != nil {
		return err
	}

	if !run.requestPause() {
		return ErrWrongState
	}

	run.setStatus(product.SyncPaused)
	run.logf("pause requested")
	e.publishStatus(run, product.SyncRunning, product.SyncPaused, "pause requested")

	return nil
}

// Resume clears the pause latch on the named run.
func (e *Engine) Resume(id string) error {
	run, err := e.activeRun(id)
	if err != nil {
		return err
	}

	if !run.requestResume() {
		return ErrWrongState
	}

	run.setStatus(product.SyncRunning)
	run.logf("resumed")
	e.publishStatus(run, product.SyncPaused, product.SyncRunning, "resumed")

	return nil
}

// Cancel requests cooperative cancellation of the named run. Already
// persisted changes are not rolled back.
func (e *Engine) Cancel(id string) error {
	run, err := e.activeRun(id)
	if err != nil {
		return err
	}

	// Cancelling a paused run must also unlatch it so the driver can
	// observe the context and exit.
	run.requestResume()
	run.requestCancel()
	run.logf("cancel requested")

	return nil
}

// Current returns a snapshot of the active run, or of the last terminal
// run for a short grace window after it finishes, or nil.
func (e *Engine) Current() *product.SyncLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && !e.current.Status().Terminal() {
		return e.current.Snapshot()
	}

	if e.lastTerminal != nil && time.Since(e.lastTerminalAt) < terminalGrace {
		return e.lastTerminal.Snapshot()
	}

	return nil
}

// Active reports whether a run is currently running or paused.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current != nil && !e.current.Status().Terminal()
}

// Snapshot returns the in-memory view of a run by id, active or recently
// finished. Returns nil when unknown (callers fall back to the store).
func (e *Engine) Snapshot(id string) *product.SyncLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.ID() == id {
		return e.current.Snapshot()
	}

	if e.lastTerminal != nil && e.lastTerminal.ID() == id {
		return e.lastTerminal.Snapshot()
	}

	return nil
}

// activeRun resolves id to the current non-terminal run.
func (e *Engine) activeRun(id string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.ID() != id {
		return nil, ErrNoSuchRun
	}

	if e.current.Status().Terminal() {
		return nil, ErrWrongState
	}

	return e.current, nil
}

// resolveOptions fills zero option fields from engine defaults.
func (e *Engine) resolveOptions(opts *product.SyncOptions) {
	if opts.BatchSize < 1 {
		opts.BatchSize = e.defaults.BatchSize
	}

	if opts.ConcurrentImages < 1 {
		opts.ConcurrentImages = e.defaults.ConcurrentImages
	}

	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = e.defaults.RetryAttempts
	}
}

// finish moves the run to its terminal state, persists the SyncLog, and
// emits the completion event.
func (e *Engine) finish(ctx context.Context, run *Run, status product.SyncStatus, summary string) {
	old := run.setStatus(status)
	run.logf("sync finished: %s", status)

	e.mu.Lock()
	e.lastTerminal = run
	e.lastTerminalAt = time.Now()
	e.mu.Unlock()

	e.publishStatus(run, old, status, summary)

	log := run.Snapshot()

	// Persist with a fresh context: the run context is often already
	// cancelled on the cancellation path.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.repo.PutSyncLog(persistCtx, log); err != nil {
		e.logger.Error("failed to persist sync log",
			slog.String("sync_id", run.ID()),
			slog.String("error", err.Error()),
		)
	}

	p := log.Progress

	e.bus.Publish(progress.Event{
		Type:   progress.TypeCompletion,
		SyncID: run.ID(),
		Data: progress.CompletionData{
			Status:   status,
			Duration: time.Since(log.StartTime).Seconds(),
			Stats: progress.CompletionStats{
				Created: p.Created,
				Updated: p.Updated,
				Skipped: p.Skipped,
				Errors:  p.Errors,
			},
			Summary: summary,
		},
	})

	e.logger.Info("sync finished",
		slog.String("sync_id", run.ID()),
		slog.String("status", string(status)),
		slog.Int("created", p.Created),
		slog.Int("updated", p.Updated),
		slog.Int("skipped", p.Skipped),
		slog.Int("errors", p.Errors),
	)
}

func (e *Engine) publishStatus(run *Run, old, next product.SyncStatus, msg string) {
	e.bus.Publish(progress.Event{
		Type:   progress.TypeStatusChange,
		SyncID: run.ID(),
		Data: progress.StatusChangeData{
			OldStatus: old,
			NewStatus: next,
			Message:   msg,
			Timestamp: time.Now().UTC(),
		},
	})
}

func (e *Engine) publishProgress(run *Run, p product.SyncProgress, startTime time.Time) {
	var pct float64
	if p.Total > 0 {
		pct = float64(p.Current) / float64(p.Total) * 100
	}

	var eta int64
	if p.Current > 0 && p.Total > p.Current {
		perUnit := time.Since(startTime) / time.Duration(p.Current)
		eta = int64((perUnit * time.Duration(p.Total-p.Current)).Seconds())
	}

	e.bus.Publish(progress.Event{
		Type:   progress.TypeProgress,
		SyncID: run.ID(),
		Data: progress.ProgressData{
			Stage: p.Stage,
			Progress: progress.ProgressCounts{
				Current:    p.Current,
				Total:      p.Total,
				Percentage: pct,
			},
			CurrentOperation:       p.CurrentOperation,
			EstimatedTimeRemaining: eta,
		},
	})
}

func (e *Engine) publishError(run *Run, kind, msg, productID string, recoverable bool) {
	now := time.Now().UTC()

	run.recordError(product.SyncError{
		Kind:        kind,
		Message:     msg,
		ProductID:   productID,
		Recoverable: recoverable,
		Timestamp:   now,
	})

	e.bus.Publish(progress.Event{
		Type:   progress.TypeError,
		SyncID: run.ID(),
		Data: progress.ErrorData{
			ErrorType:   kind,
			Message:     msg,
			ProductID:   productID,
			Recoverable: recoverable,
			Timestamp:   now,
		},
	})
}

// classifyUpstream buckets upstream errors for the retry policy.
func classifyUpstream(err error) retrier.Classification {
	switch {
	case bitable.IsAuthExpired(err):
		return retrier.AuthExpired
	case bitable.IsRetryable(err):
		return retrier.Retryable
	default:
		return retrier.Fatal
	}
}

// newRunID builds a timestamp-prefixed unique run id, e.g.
// "20260824T091500-3f2a8c1d". The prefix keeps ids sortable by start
// time in logs and the history listing.
func newRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}
