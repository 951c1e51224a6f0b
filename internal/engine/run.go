package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minghsu/prodsync/internal/product"
)

// maxRunLogLines bounds the human-readable log ring on a run so a long
// sync cannot grow memory without limit.
const maxRunLogLines = 200

// Run is the in-memory state of one sync. All mutation goes through its
// methods; the driver goroutine writes, API handlers read snapshots.
type Run struct {
	id        string
	mode      product.SyncMode
	options   product.SyncOptions
	startTime time.Time

	cancel context.CancelFunc

	mu       sync.Mutex
	status   product.SyncStatus
	endTime  *time.Time
	progress product.SyncProgress
	errors   []product.SyncError
	logs     []string

	// Pause latch. paused is flipped by Pause/Resume; the driver blocks
	// on resumeCh at stage boundaries while paused.
	paused   bool
	resumeCh chan struct{}

	// cancelled is set by Cancel before the context is torn down so the
	// terminal status can distinguish cancellation from failure.
	cancelled bool
}

func newRun(id string, mode product.SyncMode, opts product.SyncOptions, cancel context.CancelFunc) *Run {
	return &Run{
		id:        id,
		mode:      mode,
		options:   opts,
		startTime: time.Now().UTC(),
		cancel:    cancel,
		status:    product.SyncPending,
		progress:  product.SyncProgress{Stage: product.StagePreparing},
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Status returns the current lifecycle state.
func (r *Run) Status() product.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// setStatus transitions the run and returns the previous state.
func (r *Run) setStatus(s product.SyncStatus) product.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.status
	r.status = s

	if s.Terminal() {
		now := time.Now().UTC()
		r.endTime = &now
	}

	return old
}

// requestPause sets the pause latch. Returns false when the run is not
// in a pausable state.
func (r *Run) requestPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != product.SyncRunning || r.paused {
		return false
	}

	r.paused = true
	r.resumeCh = make(chan struct{})

	return true
}

// requestResume clears the pause latch, unblocking the driver.
func (r *Run) requestResume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused {
		return false
	}

	r.paused = false
	close(r.resumeCh)

	return true
}

// requestCancel marks the run cancelled and tears down its context. The
// driver observes the context at every I/O boundary and between records.
func (r *Run) requestCancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()

	r.cancel()
}

// wasCancelled reports whether Cancel was requested.
func (r *Run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cancelled
}

// waitIfPaused blocks while the pause latch is set. Returns the context
// error if the run is cancelled while paused, nil otherwise. In-flight
// units finish before the driver reaches this gate; the block happens at
// the next stage boundary.
func (r *Run) waitIfPaused(ctx context.Context) error {
	r.mu.Lock()

	if !r.paused {
		r.mu.Unlock()
		return nil
	}

	ch := r.resumeCh
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isPaused reports whether the pause latch is set.
func (r *Run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.paused
}

// updateProgress applies fn to the progress block under the lock and
// returns the result.
func (r *Run) updateProgress(fn func(p *product.SyncProgress)) product.SyncProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(&r.progress)

	return r.progress
}

// snapshotProgress returns a copy of the progress block.
func (r *Run) snapshotProgress() product.SyncProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.progress
}

// recordError appends a sync error (bounded only by run length; error
// volume is already bounded by record count).
func (r *Run) recordError(e product.SyncError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, e)
}

// logf appends a human-readable line to the bounded log ring.
func (r *Run) logf(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.logs) >= maxRunLogLines {
		r.logs = r.logs[1:]
	}

	r.logs = append(r.logs, line)
}

// Snapshot renders the run as a SyncLog for API responses and
// persistence.
func (r *Run) Snapshot() *product.SyncLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := &product.SyncLog{
		ID:        r.id,
		Mode:      r.mode,
		Status:    r.status,
		StartTime: r.startTime,
		Options:   r.options,
		Progress:  r.progress,
	}

	if r.endTime != nil {
		t := *r.endTime
		log.EndTime = &t
	}

	log.Errors = append(log.Errors, r.errors...)
	log.Logs = append(log.Logs, r.logs...)

	return log
}
