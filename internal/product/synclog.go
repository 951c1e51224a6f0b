package product

import "time"

// SyncMode selects which records a run processes.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModeSelective   SyncMode = "selective"
)

// ValidMode reports whether m is a known sync mode.
func ValidMode(m SyncMode) bool {
	switch m {
	case ModeFull, ModeIncremental, ModeSelective:
		return true
	default:
		return false
	}
}

// SyncStatus is the lifecycle state of a sync run. Completed, failed,
// and cancelled are terminal.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncPaused    SyncStatus = "paused"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed || s == SyncCancelled
}

// SyncStage labels the phase the engine is in, for progress events.
type SyncStage string

const (
	StagePreparing  SyncStage = "preparing"
	StageFetching   SyncStage = "fetching"
	StageImages     SyncStage = "images"
	StageProcessing SyncStage = "processing"
	StageValidating SyncStage = "validating"
	StageCompleted  SyncStage = "completed"
)

// SyncOptions are per-run tuning parameters. Zero values fall back to the
// engine's configured defaults.
type SyncOptions struct {
	BatchSize         int      `json:"batchSize,omitempty"`
	ConcurrentImages  int      `json:"concurrentImages,omitempty"`
	RetryAttempts     int      `json:"retryAttempts,omitempty"`
	SkipImageDownload bool     `json:"skipImageDownload,omitempty"`
	SkipDelete        bool     `json:"skipDelete,omitempty"`
	ForceUpdate       bool     `json:"forceUpdate,omitempty"`
	ProductIDs        []string `json:"productIds,omitempty"` // selective mode only
}

// SyncProgress is the live counter block for a run. The invariant
// Created + Updated + Skipped + Errors == Current <= Total holds whenever
// Total is known.
type SyncProgress struct {
	Stage            SyncStage `json:"stage"`
	Current          int       `json:"current"`
	Total            int       `json:"total"`
	Created          int       `json:"created"`
	Updated          int       `json:"updated"`
	Skipped          int       `json:"skipped"`
	Errors           int       `json:"errors"`
	CurrentOperation string    `json:"currentOperation,omitempty"`
}

// SyncError is one recorded failure during a run. Recoverable errors are
// counted and the run continues; unrecoverable ones end it.
type SyncError struct {
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	ProductID   string    `json:"productId,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// SyncLog is the durable record of a finished (or interrupted) sync run.
type SyncLog struct {
	ID        string       `json:"id"`
	Mode      SyncMode     `json:"mode"`
	Status    SyncStatus   `json:"status"`
	StartTime time.Time    `json:"startTime"`
	EndTime   *time.Time   `json:"endTime,omitempty"`
	Options   SyncOptions  `json:"options"`
	Progress  SyncProgress `json:"progress"`
	Errors    []SyncError  `json:"errors,omitempty"`
	Logs      []string     `json:"logs,omitempty"`
}
